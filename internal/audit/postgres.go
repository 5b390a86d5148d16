package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flashpool/internal/model"
)

// PostgresSink provides Postgres persistence for terminal loan records.
type PostgresSink struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresSink{pool: pool, ctx: ctx}, nil
}

func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// PutLoanBatch upserts loan records; terminal states are immutable so the
// upsert only matters for retried writes.
func (s *PostgresSink) PutLoanBatch(records []model.LoanRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
			INSERT INTO flash_loans (
				id, asset, principal, repay_asset, repay_amount, fee_owed,
				price_at_quote, state, reason, reserved_at, expires_at, closed_at, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
			ON CONFLICT (id)
			DO UPDATE SET
				state = EXCLUDED.state,
				reason = EXCLUDED.reason,
				closed_at = EXCLUDED.closed_at
		`,
			record.ID,
			record.Asset,
			record.Principal,
			record.RepayAsset,
			record.RepayAmount,
			record.FeeOwed,
			record.PriceAtQuote,
			record.State,
			record.Reason,
			record.ReservedAt,
			record.ExpiresAt,
			record.ClosedAt,
		)
	}

	br := s.pool.SendBatch(s.ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
