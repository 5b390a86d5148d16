package model

// LoanRecord is the audit form of a loan that reached a terminal state.
type LoanRecord struct {
	ID           string `json:"id"`
	Asset        string `json:"asset"`
	Principal    string `json:"principal"`
	RepayAsset   string `json:"repay_asset"`
	RepayAmount  string `json:"repay_amount"`
	FeeOwed      string `json:"fee_owed"`
	PriceAtQuote string `json:"price_at_quote"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	ReservedAt   string `json:"reserved_at"`
	ExpiresAt    string `json:"expires_at"`
	ClosedAt     string `json:"closed_at"`
}
