package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

var (
	// ErrInvalidAmount means a requested amount is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientLiquidity means the pool cannot pay out the requested amount.
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	// ErrInvariantViolation means a settlement would shrink the constant product.
	// It signals a caller bug; the pool is left untouched.
	ErrInvariantViolation = errors.New("constant product invariant violated")
)

// AmountScale is the number of decimal places carried by all settled amounts.
const AmountScale = 8

const bpsDenominator = 10_000

// Pool holds the two reserve balances and the constant product floor k.
// Reads take a shared lock; only Apply mutates, so quotes may race a
// settlement and must be re-validated by the caller at commit time.
type Pool struct {
	assetA model.Asset
	assetB model.Asset
	feeBps uint32

	mu       sync.RWMutex
	reserveA decimal.Decimal
	reserveB decimal.Decimal
	k        decimal.Decimal
}

// State is a point-in-time snapshot of the pool.
type State struct {
	AssetA   model.Asset
	AssetB   model.Asset
	ReserveA decimal.Decimal
	ReserveB decimal.Decimal
	K        decimal.Decimal
	FeeBps   uint32
	Price    decimal.Decimal // quote asset (B) per base asset (A)
}

// Quote prices the borrowing of AmountOut of one asset against the other.
type Quote struct {
	AssetOut  model.Asset
	AssetIn   model.Asset
	AmountOut decimal.Decimal
	AmountIn  decimal.Decimal // required counter-input before fee
	Fee       decimal.Decimal // additive, owed in AssetIn
	Price     decimal.Decimal // implied price (B per A) when quoted
}

// New creates a funded pool. Both reserves must be strictly positive.
func New(assetA, assetB model.Asset, reserveA, reserveB decimal.Decimal, feeBps uint32) (*Pool, error) {
	if assetA == assetB || assetA == "" || assetB == "" {
		return nil, fmt.Errorf("pool requires two distinct assets, got %q/%q", assetA, assetB)
	}
	if reserveA.Sign() <= 0 || reserveB.Sign() <= 0 {
		return nil, fmt.Errorf("initial reserves must be positive: %w", ErrInvalidAmount)
	}
	return &Pool{
		assetA:   assetA,
		assetB:   assetB,
		feeBps:   feeBps,
		reserveA: reserveA,
		reserveB: reserveB,
		k:        reserveA.Mul(reserveB),
	}, nil
}

// Assets returns the base and quote asset tags.
func (p *Pool) Assets() (model.Asset, model.Asset) {
	return p.assetA, p.assetB
}

// Opposite returns the counter asset of the pair.
func (p *Pool) Opposite(asset model.Asset) (model.Asset, error) {
	switch asset {
	case p.assetA:
		return p.assetB, nil
	case p.assetB:
		return p.assetA, nil
	default:
		return "", fmt.Errorf("unknown asset %q", asset)
	}
}

// Snapshot returns the current pool state.
func (p *Pool) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return State{
		AssetA:   p.assetA,
		AssetB:   p.assetB,
		ReserveA: p.reserveA,
		ReserveB: p.reserveB,
		K:        p.k,
		FeeBps:   p.feeBps,
		Price:    p.reserveB.Div(p.reserveA),
	}
}

// QuoteLoan computes the counter-input required to borrow amountOut of
// assetOut such that (reserveIn+in)*(reserveOut-out) >= k, plus an additive
// fee of in*feeBps/10000. It never mutates state and is safe to call
// concurrently.
func (p *Pool) QuoteLoan(assetOut model.Asset, amountOut decimal.Decimal) (Quote, error) {
	assetIn, err := p.Opposite(assetOut)
	if err != nil {
		return Quote{}, err
	}
	if amountOut.Sign() <= 0 {
		return Quote{}, ErrInvalidAmount
	}

	p.mu.RLock()
	reserveOut, reserveIn := p.reserveA, p.reserveB
	if assetOut == p.assetB {
		reserveOut, reserveIn = p.reserveB, p.reserveA
	}
	k := p.k
	price := p.reserveB.Div(p.reserveA)
	p.mu.RUnlock()

	if amountOut.GreaterThanOrEqual(reserveOut) {
		return Quote{}, fmt.Errorf("requested %s exceeds reserve %s: %w",
			amountOut, reserveOut, ErrInsufficientLiquidity)
	}

	// in >= k/(reserveOut-out) - reserveIn, rounded up so the product check
	// at settlement always holds for an exact repayment.
	amountIn := k.Div(reserveOut.Sub(amountOut)).Sub(reserveIn).RoundCeil(AmountScale)
	fee := amountIn.Mul(decimal.NewFromInt(int64(p.feeBps))).
		Div(decimal.NewFromInt(bpsDenominator)).RoundCeil(AmountScale)

	return Quote{
		AssetOut:  assetOut,
		AssetIn:   assetIn,
		AmountOut: amountOut,
		AmountIn:  amountIn,
		Fee:       fee,
		Price:     price,
	}, nil
}

// Apply commits a settlement: amountOut leaves the pool, amountIn plus
// feePaid enter on the opposite side. The new product must not fall below
// the prior k; on success k is advanced to the new product.
func (p *Pool) Apply(assetOut model.Asset, amountOut, amountIn, feePaid decimal.Decimal) error {
	if _, err := p.Opposite(assetOut); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	newA, newB := p.reserveA, p.reserveB
	if assetOut == p.assetA {
		newA = newA.Sub(amountOut)
		newB = newB.Add(amountIn).Add(feePaid)
	} else {
		newB = newB.Sub(amountOut)
		newA = newA.Add(amountIn).Add(feePaid)
	}

	if newA.Sign() <= 0 || newB.Sign() <= 0 {
		return fmt.Errorf("settlement would drain a reserve: %w", ErrInvariantViolation)
	}
	product := newA.Mul(newB)
	if product.LessThan(p.k) {
		return fmt.Errorf("product %s below k %s: %w", product, p.k, ErrInvariantViolation)
	}

	p.reserveA = newA
	p.reserveB = newB
	p.k = product
	return nil
}
