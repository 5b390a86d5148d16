package treasury

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

var (
	// ErrInsufficientTreasury means the requested hold exceeds the available balance.
	ErrInsufficientTreasury = errors.New("insufficient treasury balance")
	// ErrUnknownReservation means the token was already released, settled, or never issued.
	ErrUnknownReservation = errors.New("unknown reservation")
	// ErrInvalidAmount means a reservation amount is zero or negative.
	ErrInvalidAmount = errors.New("reservation amount must be positive")
)

// Token binds a reserved amount to a specific loan. Each token can be
// released or settled exactly once.
type Token struct {
	ID     uuid.UUID
	LoanID uuid.UUID
	Asset  model.Asset
	Amount decimal.Decimal
}

// Balance is the per-asset book of the treasury account.
type Balance struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

// Ledger tracks a single external capital account's available and reserved
// balances per asset. All operations on the same ledger are serialized.
type Ledger struct {
	mu       sync.Mutex
	balances map[model.Asset]Balance
	open     map[uuid.UUID]Token
}

// NewLedger creates a ledger seeded with the given available balances.
func NewLedger(seed map[model.Asset]decimal.Decimal) *Ledger {
	balances := make(map[model.Asset]Balance, len(seed))
	for asset, amount := range seed {
		balances[asset] = Balance{Available: amount, Reserved: decimal.Zero}
	}
	return &Ledger{
		balances: balances,
		open:     make(map[uuid.UUID]Token),
	}
}

// Reserve atomically moves amount from available to reserved and returns a
// token bound to loanID. First committer wins: a racing reservation that
// would overdraw the asset fails with ErrInsufficientTreasury.
func (l *Ledger) Reserve(asset model.Asset, amount decimal.Decimal, loanID uuid.UUID) (Token, error) {
	if amount.Sign() <= 0 {
		return Token{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[asset]
	if amount.GreaterThan(bal.Available) {
		return Token{}, fmt.Errorf("%s: requested %s, available %s: %w",
			asset, amount, bal.Available, ErrInsufficientTreasury)
	}

	bal.Available = bal.Available.Sub(amount)
	bal.Reserved = bal.Reserved.Add(amount)
	l.balances[asset] = bal

	token := Token{ID: uuid.New(), LoanID: loanID, Asset: asset, Amount: amount}
	l.open[token.ID] = token
	return token, nil
}

// Release returns the token's amount from reserved to available. A second
// release of the same token fails with ErrUnknownReservation.
func (l *Ledger) Release(token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.open[token.ID]
	if !ok {
		return fmt.Errorf("token %s: %w", token.ID, ErrUnknownReservation)
	}
	delete(l.open, token.ID)

	bal := l.balances[held.Asset]
	bal.Reserved = bal.Reserved.Sub(held.Amount)
	bal.Available = bal.Available.Add(held.Amount)
	l.balances[held.Asset] = bal
	return nil
}

// Settle removes the reservation and applies available += netDelta. A
// positive netDelta above the held amount reflects fee profit returned with
// the capital.
func (l *Ledger) Settle(token Token, netDelta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.open[token.ID]
	if !ok {
		return fmt.Errorf("token %s: %w", token.ID, ErrUnknownReservation)
	}

	bal := l.balances[held.Asset]
	newAvailable := bal.Available.Add(netDelta)
	if newAvailable.Sign() < 0 {
		return fmt.Errorf("%s: settle delta %s overdraws available %s: %w",
			held.Asset, netDelta, bal.Available, ErrInsufficientTreasury)
	}
	delete(l.open, token.ID)

	bal.Reserved = bal.Reserved.Sub(held.Amount)
	bal.Available = newAvailable
	l.balances[held.Asset] = bal
	return nil
}

// Balances returns the current book for one asset.
func (l *Ledger) Balances(asset model.Asset) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[asset]
	if !ok {
		return Balance{Available: decimal.Zero, Reserved: decimal.Zero}
	}
	return bal
}

// Snapshot returns a copy of all per-asset books.
func (l *Ledger) Snapshot() map[model.Asset]Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[model.Asset]Balance, len(l.balances))
	for asset, bal := range l.balances {
		out[asset] = bal
	}
	return out
}
