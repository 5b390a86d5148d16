package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Listen string

	AssetA       string
	AssetB       string
	ReserveA     decimal.Decimal
	ReserveB     decimal.Decimal
	FeeBps       uint32
	LoanTTL      time.Duration
	MaxLoanRatio decimal.Decimal

	TreasuryA decimal.Decimal
	TreasuryB decimal.Decimal

	RebalanceInterval time.Duration
	ToleranceBps      uint32

	Feed           string
	FeedPrice      decimal.Decimal
	FeedURL        string
	FeedSymbol     string
	FeedRPC        string
	FeedAggregator string
	FeedRetries    int
	FeedBackoff    time.Duration

	AuditOut string
	PgDSN    string

	RatePerMinute int
	MinReserveA   decimal.Decimal
	MinReserveB   decimal.Decimal

	BfxURL    string
	BfxKey    string
	BfxSecret string

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLASHPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("asset-a", "LBTC")
	v.SetDefault("asset-b", "LUSDT")
	v.SetDefault("reserve-a", "1")
	v.SetDefault("reserve-b", "30000")
	v.SetDefault("fee-bps", uint32(30))
	v.SetDefault("loan-ttl", 30*time.Second)
	v.SetDefault("max-loan-ratio", "0.3")
	v.SetDefault("treasury-a", "1")
	v.SetDefault("treasury-b", "100000")
	v.SetDefault("rebalance-interval", 30*time.Second)
	v.SetDefault("tolerance-bps", uint32(10))
	v.SetDefault("feed", "static")
	v.SetDefault("feed-price", "30000")
	v.SetDefault("feed-symbol", "tBTCUSD")
	v.SetDefault("feed-retries", 3)
	v.SetDefault("feed-backoff", 500*time.Millisecond)
	v.SetDefault("audit-out", "./data/loans.jsonl")
	v.SetDefault("rate-limit", 10)
	v.SetDefault("min-reserve-a", "0.01")
	v.SetDefault("min-reserve-b", "1000")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Listen:            v.GetString("listen"),
		AssetA:            v.GetString("asset-a"),
		AssetB:            v.GetString("asset-b"),
		FeeBps:            v.GetUint32("fee-bps"),
		LoanTTL:           v.GetDuration("loan-ttl"),
		RebalanceInterval: v.GetDuration("rebalance-interval"),
		ToleranceBps:      v.GetUint32("tolerance-bps"),
		Feed:              v.GetString("feed"),
		FeedURL:           v.GetString("feed-url"),
		FeedSymbol:        v.GetString("feed-symbol"),
		FeedRPC:           v.GetString("feed-rpc"),
		FeedAggregator:    v.GetString("feed-aggregator"),
		FeedRetries:       v.GetInt("feed-retries"),
		FeedBackoff:       v.GetDuration("feed-backoff"),
		AuditOut:          v.GetString("audit-out"),
		PgDSN:             v.GetString("pg-dsn"),
		RatePerMinute:     v.GetInt("rate-limit"),
		BfxURL:            v.GetString("bfx-url"),
		BfxKey:            v.GetString("bfx-key"),
		BfxSecret:         v.GetString("bfx-secret"),
		LogLevel:          v.GetString("log-level"),
	}

	decimals := []struct {
		key  string
		dest *decimal.Decimal
	}{
		{"reserve-a", &cfg.ReserveA},
		{"reserve-b", &cfg.ReserveB},
		{"max-loan-ratio", &cfg.MaxLoanRatio},
		{"treasury-a", &cfg.TreasuryA},
		{"treasury-b", &cfg.TreasuryB},
		{"feed-price", &cfg.FeedPrice},
		{"min-reserve-a", &cfg.MinReserveA},
		{"min-reserve-b", &cfg.MinReserveB},
	}
	for _, entry := range decimals {
		parsed, err := decimal.NewFromString(v.GetString(entry.key))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", entry.key, err)
		}
		*entry.dest = parsed
	}

	return cfg, nil
}
