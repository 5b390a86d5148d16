package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flashpool/internal/audit"
	"flashpool/internal/model"
	"flashpool/internal/pool"
	"flashpool/internal/treasury"
)

var (
	// ErrUnknownLoan means the loan id was never issued.
	ErrUnknownLoan = errors.New("unknown loan")
	// ErrLoanAlreadyFinal means the loan already reached a terminal state.
	ErrLoanAlreadyFinal = errors.New("loan already final")
	// ErrRepaymentShortfall means the submitted repayment was below the quoted requirement.
	ErrRepaymentShortfall = errors.New("repayment below required amount")
)

// Config holds runtime settings for the registry.
type Config struct {
	ReservationTTL time.Duration
	// MaxLoanRatio caps a single loan at this fraction of the lent asset's
	// reserve. Zero disables the cap.
	MaxLoanRatio decimal.Decimal
}

// Registry owns the lifecycle of in-flight loans and is the sole writer of
// pool and treasury state. All mutating operations are serialized behind one
// mutex; no external I/O happens inside the locked region, audit writes are
// flushed after it is released.
type Registry struct {
	cfg     Config
	pool    *pool.Pool
	ledger  *treasury.Ledger
	sink    audit.Sink
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]*entry
	closed map[uuid.UUID]model.FlashLoan
}

type entry struct {
	loan  model.FlashLoan
	token treasury.Token
}

// New builds a Registry. sink and metrics may be nil.
func New(cfg Config, p *pool.Pool, ledger *treasury.Ledger, sink audit.Sink, metrics *Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		pool:    p,
		ledger:  ledger,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		active:  make(map[uuid.UUID]*entry),
		closed:  make(map[uuid.UUID]model.FlashLoan),
	}
}

// OpenLoan quotes the opposite-asset repayment for amount of asset, reserves
// the lent amount against the treasury, and returns the loan in Reserved
// state. On any failure nothing is created.
func (r *Registry) OpenLoan(asset model.Asset, amount decimal.Decimal) (model.FlashLoan, error) {
	r.mu.Lock()
	stale := r.expireLocked(r.now())

	loan, err := r.openLocked(asset, amount)
	r.mu.Unlock()

	r.flush(stale)
	if err != nil {
		return model.FlashLoan{}, err
	}

	if r.metrics != nil {
		r.metrics.LoansOpened.Inc()
	}
	r.logger.Info("loan reserved",
		zap.String("loan_id", loan.ID.String()),
		zap.String("asset", string(loan.Asset)),
		zap.String("principal", loan.Principal.String()),
		zap.String("repay_amount", loan.RepayAmount.String()),
		zap.String("fee", loan.FeeOwed.String()),
		zap.Time("expires_at", loan.ExpiresAt),
	)
	return loan, nil
}

func (r *Registry) openLocked(asset model.Asset, amount decimal.Decimal) (model.FlashLoan, error) {
	quote, err := r.pool.QuoteLoan(asset, amount)
	if err != nil {
		return model.FlashLoan{}, err
	}

	if r.cfg.MaxLoanRatio.Sign() > 0 {
		snap := r.pool.Snapshot()
		reserve := snap.ReserveA
		if asset == snap.AssetB {
			reserve = snap.ReserveB
		}
		if amount.GreaterThan(reserve.Mul(r.cfg.MaxLoanRatio)) {
			return model.FlashLoan{}, fmt.Errorf("loan %s exceeds %s of reserve %s: %w",
				amount, r.cfg.MaxLoanRatio, reserve, pool.ErrInsufficientLiquidity)
		}
	}

	id := uuid.New()
	token, err := r.ledger.Reserve(asset, amount, id)
	if err != nil {
		return model.FlashLoan{}, err
	}

	now := r.now()
	loan := model.FlashLoan{
		ID:           id,
		Asset:        asset,
		Principal:    amount,
		RepayAsset:   quote.AssetIn,
		RepayAmount:  quote.AmountIn,
		FeeOwed:      quote.Fee,
		PriceAtQuote: quote.Price,
		State:        model.LoanReserved,
		ReservedAt:   now,
		ExpiresAt:    now.Add(r.cfg.ReservationTTL),
	}
	r.active[id] = &entry{loan: loan, token: token}
	return loan, nil
}

// Submit verifies a repayment against the terms quoted at open time,
// re-checked against the current reserves. A sufficient repayment settles
// the loan against pool and treasury; a
// shortfall rejects it and releases the reservation. Either way the loan is
// final afterwards.
func (r *Registry) Submit(loanID uuid.UUID, repayment decimal.Decimal) (model.FlashLoan, error) {
	r.mu.Lock()
	stale := r.expireLocked(r.now())

	loan, record, err := r.submitLocked(loanID, repayment)
	r.mu.Unlock()

	if record != nil {
		stale = append(stale, *record)
	}
	r.flush(stale)

	switch {
	case err == nil:
		if r.metrics != nil {
			r.metrics.LoansSettled.Inc()
			fee, _ := loan.FeeOwed.Float64()
			r.metrics.FeesCollected.WithLabelValues(string(loan.RepayAsset)).Add(fee)
		}
		r.logger.Info("loan settled",
			zap.String("loan_id", loan.ID.String()),
			zap.String("repayment", repayment.String()),
		)
	case errors.Is(err, ErrRepaymentShortfall):
		if r.metrics != nil {
			r.metrics.LoansRejected.Inc()
		}
		r.logger.Warn("loan rejected",
			zap.String("loan_id", loanID.String()),
			zap.String("repayment", repayment.String()),
			zap.Error(err),
		)
	}
	return loan, err
}

func (r *Registry) submitLocked(loanID uuid.UUID, repayment decimal.Decimal) (model.FlashLoan, *model.LoanRecord, error) {
	ent, ok := r.active[loanID]
	if !ok {
		if closed, done := r.closed[loanID]; done {
			return closed, nil, fmt.Errorf("loan %s is %s: %w", loanID, closed.State, ErrLoanAlreadyFinal)
		}
		return model.FlashLoan{}, nil, fmt.Errorf("loan %s: %w", loanID, ErrUnknownLoan)
	}

	ent.loan.State = model.LoanSubmitted
	now := r.now()

	// Reserves may have moved since the quote was taken. Re-validate against
	// the current book: the loan owes the worse of the open-time and current
	// requirement, so Apply below can never see a product under k.
	required := ent.loan.RepayAmount.Add(ent.loan.FeeOwed)
	current, quoteErr := r.pool.QuoteLoan(ent.loan.Asset, ent.loan.Principal)
	if quoteErr == nil {
		if currentRequired := current.AmountIn.Add(current.Fee); currentRequired.GreaterThan(required) {
			required = currentRequired
		}
	}

	if quoteErr != nil || repayment.LessThan(required) {
		if err := r.ledger.Release(ent.token); err != nil {
			// Reservation bookkeeping is broken; surface instead of finalizing.
			ent.loan.State = model.LoanReserved
			return ent.loan, nil, err
		}
		reason := fmt.Sprintf("repayment %s below required %s", repayment, required)
		if quoteErr != nil {
			reason = fmt.Sprintf("pool can no longer fund %s %s: %v",
				ent.loan.Principal, ent.loan.Asset, quoteErr)
		}
		record := r.finalizeLocked(ent, model.LoanRejected, now, reason)
		return ent.loan, &record, fmt.Errorf("%s: %w", reason, ErrRepaymentShortfall)
	}

	// The fee enters the pool on the repayment side; anything paid above the
	// quoted requirement does too.
	amountIn := repayment.Sub(ent.loan.FeeOwed)
	if err := r.pool.Apply(ent.loan.Asset, ent.loan.Principal, amountIn, ent.loan.FeeOwed); err != nil {
		ent.loan.State = model.LoanReserved
		return ent.loan, nil, err
	}

	// Treasury is credited with the returned principal plus the fee converted
	// into the lent asset at the open-time price.
	netDelta := ent.loan.Principal.Add(r.feeInLentAsset(ent.loan))
	if err := r.ledger.Settle(ent.token, netDelta); err != nil {
		ent.loan.State = model.LoanReserved
		return ent.loan, nil, err
	}

	record := r.finalizeLocked(ent, model.LoanSettled, now, "")
	return ent.loan, &record, nil
}

// feeInLentAsset converts the repayment-asset fee into the lent asset using
// the price snapshot taken when the loan was opened.
func (r *Registry) feeInLentAsset(loan model.FlashLoan) decimal.Decimal {
	assetA, _ := r.pool.Assets()
	if loan.Asset == assetA {
		// Fee is in asset B, price is B per A.
		return loan.FeeOwed.Div(loan.PriceAtQuote).RoundDown(pool.AmountScale)
	}
	return loan.FeeOwed.Mul(loan.PriceAtQuote).RoundDown(pool.AmountScale)
}

// ExpireStale transitions every Reserved loan past its deadline to Expired
// and releases its reservation exactly once.
func (r *Registry) ExpireStale() []model.FlashLoan {
	r.mu.Lock()
	stale := r.expireLocked(r.now())
	expired := make([]model.FlashLoan, 0, len(stale))
	for _, record := range stale {
		if loan, ok := r.closed[uuid.MustParse(record.ID)]; ok {
			expired = append(expired, loan)
		}
	}
	r.mu.Unlock()

	r.flush(stale)
	return expired
}

func (r *Registry) expireLocked(now time.Time) []model.LoanRecord {
	var records []model.LoanRecord
	for id, ent := range r.active {
		if ent.loan.State != model.LoanReserved || !now.After(ent.loan.ExpiresAt) {
			continue
		}
		if err := r.ledger.Release(ent.token); err != nil {
			r.logger.Error("release expired reservation",
				zap.String("loan_id", id.String()), zap.Error(err))
			continue
		}
		records = append(records, r.finalizeLocked(ent, model.LoanExpired, now, "reservation expired"))
		if r.metrics != nil {
			r.metrics.LoansExpired.Inc()
		}
		r.logger.Info("loan expired", zap.String("loan_id", id.String()))
	}
	return records
}

func (r *Registry) finalizeLocked(ent *entry, state model.LoanState, now time.Time, reason string) model.LoanRecord {
	ent.loan.State = state
	delete(r.active, ent.loan.ID)
	r.closed[ent.loan.ID] = ent.loan
	return loanRecord(ent.loan, now, reason)
}

// flush writes terminal records to the audit sink outside the lock.
func (r *Registry) flush(records []model.LoanRecord) {
	if r.sink == nil || len(records) == 0 {
		return
	}
	if err := r.sink.PutLoanBatch(records); err != nil {
		r.logger.Error("write audit records", zap.Int("records", len(records)), zap.Error(err))
	}
}

// Lookup returns a loan by id, whether in-flight or final.
func (r *Registry) Lookup(loanID uuid.UUID) (model.FlashLoan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ent, ok := r.active[loanID]; ok {
		return ent.loan, true
	}
	loan, ok := r.closed[loanID]
	return loan, ok
}

// ActiveCount returns the number of loans currently holding a reservation.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func loanRecord(loan model.FlashLoan, closedAt time.Time, reason string) model.LoanRecord {
	return model.LoanRecord{
		ID:           loan.ID.String(),
		Asset:        string(loan.Asset),
		Principal:    loan.Principal.String(),
		RepayAsset:   string(loan.RepayAsset),
		RepayAmount:  loan.RepayAmount.String(),
		FeeOwed:      loan.FeeOwed.String(),
		PriceAtQuote: loan.PriceAtQuote.String(),
		State:        string(loan.State),
		Reason:       reason,
		ReservedAt:   loan.ReservedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:    loan.ExpiresAt.UTC().Format(time.RFC3339Nano),
		ClosedAt:     closedAt.UTC().Format(time.RFC3339Nano),
	}
}
