package model

// Asset identifies one of the two assets held by a pool.
type Asset string

// Pair names a price pair as base/quote, e.g. LBTC/LUSDT.
type Pair struct {
	Base  Asset
	Quote Asset
}

func (p Pair) String() string {
	return string(p.Base) + "/" + string(p.Quote)
}
