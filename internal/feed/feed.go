package feed

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

// ErrUnavailable means the reference price could not be obtained. Callers
// treat it as "skip this cycle", not as a fault.
var ErrUnavailable = errors.New("price feed unavailable")

// Feed supplies an external reference price for a pair.
type Feed interface {
	Price(ctx context.Context, pair model.Pair) (decimal.Decimal, error)
}

// Static always returns a fixed price. Used for development and tests.
type Static struct {
	Value decimal.Decimal
}

func (s Static) Price(context.Context, model.Pair) (decimal.Decimal, error) {
	if s.Value.Sign() <= 0 {
		return decimal.Zero, ErrUnavailable
	}
	return s.Value, nil
}
