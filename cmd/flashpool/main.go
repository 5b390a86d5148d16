package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flashpool/internal/audit"
	"flashpool/internal/config"
	"flashpool/internal/exchange"
	"flashpool/internal/feed"
	"flashpool/internal/gateway"
	"flashpool/internal/model"
	"flashpool/internal/pool"
	"flashpool/internal/rebalance"
	"flashpool/internal/registry"
	"flashpool/internal/treasury"
)

func main() {
	root := &cobra.Command{
		Use:          "flashpool",
		Short:        "Constant-product flash loan pool",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pool service",
		RunE:  runService,
	}

	runCmd.Flags().String("listen", ":8080", "gateway listen address")
	runCmd.Flags().String("asset-a", "LBTC", "base asset tag")
	runCmd.Flags().String("asset-b", "LUSDT", "quote asset tag")
	runCmd.Flags().String("reserve-a", "1", "initial base reserve")
	runCmd.Flags().String("reserve-b", "30000", "initial quote reserve")
	runCmd.Flags().Uint32("fee-bps", 30, "loan fee in basis points")
	runCmd.Flags().Duration("loan-ttl", 30*time.Second, "reservation time-to-live")
	runCmd.Flags().String("max-loan-ratio", "0.3", "max loan as fraction of reserve, 0 disables")
	runCmd.Flags().String("treasury-a", "1", "treasury seed for asset A")
	runCmd.Flags().String("treasury-b", "100000", "treasury seed for asset B")
	runCmd.Flags().Duration("rebalance-interval", 30*time.Second, "rebalance cycle interval")
	runCmd.Flags().Uint32("tolerance-bps", 10, "price deviation tolerance in basis points")
	runCmd.Flags().String("feed", "static", "price feed: static, ticker, or onchain")
	runCmd.Flags().String("feed-price", "30000", "fixed price for the static feed")
	runCmd.Flags().String("feed-url", "", "ticker feed base URL")
	runCmd.Flags().String("feed-symbol", "tBTCUSD", "ticker feed symbol")
	runCmd.Flags().String("feed-rpc", "", "RPC URL for the onchain feed")
	runCmd.Flags().String("feed-aggregator", "", "aggregator contract address for the onchain feed")
	runCmd.Flags().Int("feed-retries", 3, "maximum feed retry attempts")
	runCmd.Flags().Duration("feed-backoff", 500*time.Millisecond, "initial feed retry backoff")
	runCmd.Flags().String("audit-out", "./data/loans.jsonl", "terminal loan JSONL path, empty disables")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for the audit store")
	runCmd.Flags().Int("rate-limit", 10, "loan requests per minute per remote, 0 disables")
	runCmd.Flags().String("min-reserve-a", "0.01", "health threshold for reserve A")
	runCmd.Flags().String("min-reserve-b", "1000", "health threshold for reserve B")
	runCmd.Flags().String("bfx-url", "", "exchange API base URL")
	runCmd.Flags().String("bfx-key", "", "exchange API key")
	runCmd.Flags().String("bfx-secret", "", "exchange API secret")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute a loan quote against given reserves",
		RunE:  runQuote,
	}

	quoteCmd.Flags().String("asset", "LBTC", "asset to borrow (a or b tag)")
	quoteCmd.Flags().String("amount", "", "amount to borrow")
	quoteCmd.Flags().String("asset-a", "LBTC", "base asset tag")
	quoteCmd.Flags().String("asset-b", "LUSDT", "quote asset tag")
	quoteCmd.Flags().String("reserve-a", "1", "base reserve")
	quoteCmd.Flags().String("reserve-b", "30000", "quote reserve")
	quoteCmd.Flags().Uint32("fee-bps", 30, "loan fee in basis points")

	root.AddCommand(quoteCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assetA := model.Asset(cfg.AssetA)
	assetB := model.Asset(cfg.AssetB)

	liquidityPool, err := pool.New(assetA, assetB, cfg.ReserveA, cfg.ReserveB, cfg.FeeBps)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	account, err := buildAccount(cfg, assetA, assetB)
	if err != nil {
		return err
	}
	ledger, err := seedLedger(ctx, account, assetA, assetB)
	if err != nil {
		return fmt.Errorf("seed treasury: %w", err)
	}

	sink, closeSink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	metrics := registry.NewMetrics(prometheus.DefaultRegisterer)
	loanRegistry := registry.New(registry.Config{
		ReservationTTL: cfg.LoanTTL,
		MaxLoanRatio:   cfg.MaxLoanRatio,
	}, liquidityPool, ledger, sink, metrics, logger)

	priceFeed, closeFeed, err := buildFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFeed()

	controller := rebalance.NewController(rebalance.Config{
		Interval:     cfg.RebalanceInterval,
		ToleranceBps: cfg.ToleranceBps,
	}, liquidityPool, loanRegistry, priceFeed, logger)

	server := gateway.NewServer(gateway.Config{
		Pool:          liquidityPool,
		Registry:      loanRegistry,
		Ledger:        ledger,
		Account:       account,
		Feed:          priceFeed,
		RatePerMinute: cfg.RatePerMinute,
		MinReserveA:   cfg.MinReserveA,
		MinReserveB:   cfg.MinReserveB,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("flashpool start",
		zap.String("listen", cfg.Listen),
		zap.String("pair", model.Pair{Base: assetA, Quote: assetB}.String()),
		zap.String("reserve_a", cfg.ReserveA.String()),
		zap.String("reserve_b", cfg.ReserveB.String()),
		zap.Uint32("fee_bps", cfg.FeeBps),
		zap.Duration("loan_ttl", cfg.LoanTTL),
		zap.String("feed", cfg.Feed),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("controller stopped", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildAccount(cfg config.Config, assetA, assetB model.Asset) (exchange.Account, error) {
	if cfg.BfxKey != "" && cfg.BfxSecret != "" {
		currencies := map[model.Asset]string{
			assetA: "BTC",
			assetB: "UST",
		}
		return exchange.NewBitfinexAccount(cfg.BfxURL, cfg.BfxKey, cfg.BfxSecret, currencies), nil
	}
	return exchange.NewSimulatedAccount(map[model.Asset]decimal.Decimal{
		assetA: cfg.TreasuryA,
		assetB: cfg.TreasuryB,
	}), nil
}

func seedLedger(ctx context.Context, account exchange.Account, assets ...model.Asset) (*treasury.Ledger, error) {
	seed := make(map[model.Asset]decimal.Decimal, len(assets))
	for _, asset := range assets {
		available, err := account.Available(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("fetch %s balance: %w", asset, err)
		}
		seed[asset] = available
	}
	return treasury.NewLedger(seed), nil
}

func buildSink(ctx context.Context, cfg config.Config) (audit.Sink, func(), error) {
	var sinks audit.MultiSink
	closeSink := func() {}

	if cfg.AuditOut != "" {
		sinks = append(sinks, audit.NewJsonlSink(cfg.AuditOut))
	}
	if cfg.PgDSN != "" {
		store, err := audit.NewPostgresSink(ctx, cfg.PgDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect audit store: %w", err)
		}
		sinks = append(sinks, store)
		closeSink = store.Close
	}

	if len(sinks) == 0 {
		return nil, closeSink, nil
	}
	return sinks, closeSink, nil
}

func buildFeed(ctx context.Context, cfg config.Config) (feed.Feed, func(), error) {
	noop := func() {}
	switch cfg.Feed {
	case "static":
		return feed.Static{Value: cfg.FeedPrice}, noop, nil
	case "ticker":
		return feed.NewTicker(cfg.FeedURL, cfg.FeedSymbol, cfg.FeedRetries, cfg.FeedBackoff), noop, nil
	case "onchain":
		aggregator, err := feed.NewAggregator(ctx, cfg.FeedRPC, cfg.FeedAggregator)
		if err != nil {
			return nil, nil, fmt.Errorf("create onchain feed: %w", err)
		}
		return aggregator, aggregator.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown feed %q", cfg.Feed)
	}
}

func runQuote(cmd *cobra.Command, _ []string) error {
	asset, _ := cmd.Flags().GetString("asset")
	amountRaw, _ := cmd.Flags().GetString("amount")
	assetA, _ := cmd.Flags().GetString("asset-a")
	assetB, _ := cmd.Flags().GetString("asset-b")
	reserveARaw, _ := cmd.Flags().GetString("reserve-a")
	reserveBRaw, _ := cmd.Flags().GetString("reserve-b")
	feeBps, _ := cmd.Flags().GetUint32("fee-bps")

	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	reserveA, err := decimal.NewFromString(reserveARaw)
	if err != nil {
		return fmt.Errorf("parse reserve-a: %w", err)
	}
	reserveB, err := decimal.NewFromString(reserveBRaw)
	if err != nil {
		return fmt.Errorf("parse reserve-b: %w", err)
	}

	liquidityPool, err := pool.New(model.Asset(assetA), model.Asset(assetB), reserveA, reserveB, feeBps)
	if err != nil {
		return err
	}

	quote, err := liquidityPool.QuoteLoan(model.Asset(asset), amount)
	if err != nil {
		return err
	}

	out := map[string]string{
		"asset_out":          string(quote.AssetOut),
		"amount_out":         quote.AmountOut.String(),
		"repay_asset":        string(quote.AssetIn),
		"required_repayment": quote.AmountIn.Add(quote.Fee).String(),
		"fee":                quote.Fee.String(),
		"price":              quote.Price.String(),
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
