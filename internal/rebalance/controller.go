package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flashpool/internal/feed"
	"flashpool/internal/model"
	"flashpool/internal/pool"
	"flashpool/internal/registry"
)

// Config holds runtime settings for the controller.
type Config struct {
	Interval time.Duration
	// ToleranceBps is the maximum relative deviation between pool and
	// reference price, in basis points, before a cycle acts.
	ToleranceBps uint32
}

// Controller is the automated arbitrageur: on a fixed interval it compares
// the pool's implied price with the external reference price and, when the
// deviation exceeds tolerance, opens a flash loan and immediately submits
// its own repayment to push the pool back toward the reference.
type Controller struct {
	cfg      Config
	pool     *pool.Pool
	registry *registry.Registry
	feed     feed.Feed
	pair     model.Pair
	logger   *zap.Logger
}

func NewController(cfg Config, p *pool.Pool, reg *registry.Registry, priceFeed feed.Feed, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	assetA, assetB := p.Assets()
	return &Controller{
		cfg:      cfg,
		pool:     p,
		registry: reg,
		feed:     priceFeed,
		pair:     model.Pair{Base: assetA, Quote: assetB},
		logger:   logger,
	}
}

// Run executes cycles until the context is cancelled. Cycle errors are
// logged and retried on the next tick, never fatal to the loop.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("rebalance controller start",
		zap.Duration("interval", c.cfg.Interval),
		zap.Uint32("tolerance_bps", c.cfg.ToleranceBps),
		zap.String("pair", c.pair.String()),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.RunCycle(ctx); err != nil {
			c.logger.Warn("rebalance cycle failed", zap.Error(err))
		}
	}
}

// RunCycle performs one pass: expire sweep, price check, and if needed one
// loan opened and settled by the controller itself.
func (c *Controller) RunCycle(ctx context.Context) error {
	c.registry.ExpireStale()

	// Feed round-trip happens outside any lock; the quote taken later is
	// validated again at commit time inside the registry.
	reference, err := c.feed.Price(ctx, c.pair)
	if err != nil {
		if errors.Is(err, feed.ErrUnavailable) {
			c.logger.Warn("reference price unavailable, skipping cycle", zap.Error(err))
			return nil
		}
		return err
	}

	snap := c.pool.Snapshot()
	deviation := snap.Price.Sub(reference).Abs().Div(reference)
	tolerance := decimal.NewFromInt(int64(c.cfg.ToleranceBps)).Div(decimal.NewFromInt(10_000))
	if deviation.LessThanOrEqual(tolerance) {
		c.logger.Debug("pool within tolerance",
			zap.String("pool_price", snap.Price.String()),
			zap.String("reference", reference.String()),
		)
		return nil
	}

	asset, amount := Leg(snap, reference)
	if amount.Sign() <= 0 {
		return nil
	}

	loan, err := c.registry.OpenLoan(asset, amount)
	if err != nil {
		return fmt.Errorf("open rebalance loan: %w", err)
	}

	repayment := loan.RepayAmount.Add(loan.FeeOwed)
	if _, err := c.registry.Submit(loan.ID, repayment); err != nil {
		return fmt.Errorf("settle rebalance loan %s: %w", loan.ID, err)
	}

	after := c.pool.Snapshot()
	c.logger.Info("rebalanced",
		zap.String("asset", string(asset)),
		zap.String("amount", amount.String()),
		zap.String("price_before", snap.Price.String()),
		zap.String("price_after", after.Price.String()),
		zap.String("reference", reference.String()),
	)
	return nil
}

// Leg computes which asset the pool must pay out, and how much, so that the
// post-settlement implied price lands on the reference. For a constant
// product k and target price m the balanced reserves are sqrt(k/m) and
// sqrt(k*m); the leg is the excess over the target reserve. float64
// precision is fine here: the result only steers the pool, the settlement
// math stays in decimals.
func Leg(snap pool.State, reference decimal.Decimal) (model.Asset, decimal.Decimal) {
	k, _ := snap.K.Float64()
	m, _ := reference.Float64()
	if k <= 0 || m <= 0 {
		return "", decimal.Zero
	}

	if reference.GreaterThan(snap.Price) {
		// Pool price must rise: pay out base asset.
		targetA := math.Sqrt(k / m)
		reserveA, _ := snap.ReserveA.Float64()
		return snap.AssetA, decimal.NewFromFloat(reserveA - targetA).RoundDown(pool.AmountScale)
	}

	// Pool price must fall: pay out quote asset.
	targetB := math.Sqrt(k * m)
	reserveB, _ := snap.ReserveB.Float64()
	return snap.AssetB, decimal.NewFromFloat(reserveB - targetB).RoundDown(pool.AmountScale)
}
