package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

// Account is the external treasury capability backing the in-process ledger.
// A real integration maps this onto an exchange account API.
type Account interface {
	// Available returns the balance that can still be committed to loans.
	Available(ctx context.Context, asset model.Asset) (decimal.Decimal, error)
	// Reserve places an external hold and returns an opaque reference to it.
	Reserve(ctx context.Context, asset model.Asset, amount decimal.Decimal) (string, error)
	// Settle resolves a hold, applying delta to the account balance.
	Settle(ctx context.Context, ref string, delta decimal.Decimal) error
}

// SimulatedAccount is an in-memory Account used for development and tests.
type SimulatedAccount struct {
	mu       sync.Mutex
	balances map[model.Asset]decimal.Decimal
	holds    map[string]hold
}

type hold struct {
	asset  model.Asset
	amount decimal.Decimal
}

func NewSimulatedAccount(seed map[model.Asset]decimal.Decimal) *SimulatedAccount {
	balances := make(map[model.Asset]decimal.Decimal, len(seed))
	for asset, amount := range seed {
		balances[asset] = amount
	}
	return &SimulatedAccount{
		balances: balances,
		holds:    make(map[string]hold),
	}
}

func (a *SimulatedAccount) Available(_ context.Context, asset model.Asset) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[asset], nil
}

func (a *SimulatedAccount) Reserve(_ context.Context, asset model.Asset, amount decimal.Decimal) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	balance := a.balances[asset]
	if amount.Sign() <= 0 || amount.GreaterThan(balance) {
		return "", fmt.Errorf("cannot hold %s %s, balance %s", amount, asset, balance)
	}
	a.balances[asset] = balance.Sub(amount)

	ref := uuid.NewString()
	a.holds[ref] = hold{asset: asset, amount: amount}
	return ref, nil
}

func (a *SimulatedAccount) Settle(_ context.Context, ref string, delta decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.holds[ref]
	if !ok {
		return fmt.Errorf("unknown hold %s", ref)
	}
	delete(a.holds, ref)
	a.balances[held.asset] = a.balances[held.asset].Add(held.amount).Add(delta)
	return nil
}
