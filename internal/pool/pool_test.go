package pool

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func newTestPool(t *testing.T, reserveA, reserveB string, feeBps uint32) *Pool {
	t.Helper()
	p, err := New("LBTC", "LUSDT", dec(t, reserveA), dec(t, reserveB), feeBps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestQuoteLoan(t *testing.T) {
	p := newTestPool(t, "10", "500000", 30)

	q, err := p.QuoteLoan("LBTC", dec(t, "0.5"))
	if err != nil {
		t.Fatalf("QuoteLoan: %v", err)
	}

	if q.AssetIn != model.Asset("LUSDT") {
		t.Fatalf("AssetIn = %s, want LUSDT", q.AssetIn)
	}
	if want := "26315.78947369"; q.AmountIn.String() != want {
		t.Fatalf("AmountIn = %s, want %s", q.AmountIn, want)
	}
	if want := "78.94736843"; q.Fee.String() != want {
		t.Fatalf("Fee = %s, want %s", q.Fee, want)
	}
	if want := "50000"; q.Price.String() != want {
		t.Fatalf("Price = %s, want %s", q.Price, want)
	}
}

func TestQuoteLoanQuoteAsset(t *testing.T) {
	p := newTestPool(t, "10", "500000", 30)

	q, err := p.QuoteLoan("LUSDT", dec(t, "100000"))
	if err != nil {
		t.Fatalf("QuoteLoan: %v", err)
	}
	if q.AssetIn != model.Asset("LBTC") {
		t.Fatalf("AssetIn = %s, want LBTC", q.AssetIn)
	}
	// 5e6/400000 - 10 = 2.5 exactly.
	if want := "2.5"; q.AmountIn.String() != want {
		t.Fatalf("AmountIn = %s, want %s", q.AmountIn, want)
	}
}

func TestQuoteLoanRejectsBadInput(t *testing.T) {
	p := newTestPool(t, "10", "500000", 30)

	if _, err := p.QuoteLoan("LBTC", decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := p.QuoteLoan("LBTC", dec(t, "-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := p.QuoteLoan("LBTC", dec(t, "10")); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("full reserve: got %v, want ErrInsufficientLiquidity", err)
	}
	if _, err := p.QuoteLoan("LBTC", dec(t, "11")); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("above reserve: got %v, want ErrInsufficientLiquidity", err)
	}
	if _, err := p.QuoteLoan("DOGE", dec(t, "1")); err == nil {
		t.Fatal("unknown asset: want error")
	}
}

func TestApplyAdvancesK(t *testing.T) {
	p := newTestPool(t, "10", "500000", 30)
	before := p.Snapshot()

	q, err := p.QuoteLoan("LBTC", dec(t, "0.5"))
	if err != nil {
		t.Fatalf("QuoteLoan: %v", err)
	}
	if err := p.Apply("LBTC", q.AmountOut, q.AmountIn, q.Fee); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	after := p.Snapshot()
	if !after.ReserveA.Equal(dec(t, "9.5")) {
		t.Fatalf("ReserveA = %s, want 9.5", after.ReserveA)
	}
	wantB := dec(t, "500000").Add(q.AmountIn).Add(q.Fee)
	if !after.ReserveB.Equal(wantB) {
		t.Fatalf("ReserveB = %s, want %s", after.ReserveB, wantB)
	}
	if after.K.LessThan(before.K) {
		t.Fatalf("k shrank: %s -> %s", before.K, after.K)
	}
	if !after.K.Equal(after.ReserveA.Mul(after.ReserveB)) {
		t.Fatalf("k = %s, want product %s", after.K, after.ReserveA.Mul(after.ReserveB))
	}
}

func TestApplyRejectsShrinkingProduct(t *testing.T) {
	p := newTestPool(t, "10", "500000", 30)
	before := p.Snapshot()

	// Repaying less than the quoted input shrinks the product.
	err := p.Apply("LBTC", dec(t, "0.5"), dec(t, "26000"), decimal.Zero)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}

	after := p.Snapshot()
	if !after.ReserveA.Equal(before.ReserveA) || !after.ReserveB.Equal(before.ReserveB) || !after.K.Equal(before.K) {
		t.Fatal("failed Apply mutated pool state")
	}
}

func TestApplyRejectsDrainedReserve(t *testing.T) {
	p := newTestPool(t, "10", "500000", 30)

	err := p.Apply("LBTC", dec(t, "10"), dec(t, "1000000"), decimal.Zero)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}
}

func TestOpposite(t *testing.T) {
	p := newTestPool(t, "1", "30000", 30)

	counter, err := p.Opposite("LBTC")
	if err != nil || counter != model.Asset("LUSDT") {
		t.Fatalf("Opposite(LBTC) = %s, %v", counter, err)
	}
	counter, err = p.Opposite("LUSDT")
	if err != nil || counter != model.Asset("LBTC") {
		t.Fatalf("Opposite(LUSDT) = %s, %v", counter, err)
	}
	if _, err := p.Opposite("DOGE"); err == nil {
		t.Fatal("Opposite(DOGE): want error")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("LBTC", "LBTC", decimal.NewFromInt(1), decimal.NewFromInt(1), 30); err == nil {
		t.Fatal("same asset twice: want error")
	}
	if _, err := New("LBTC", "LUSDT", decimal.Zero, decimal.NewFromInt(1), 30); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero reserve: got %v, want ErrInvalidAmount", err)
	}
}
