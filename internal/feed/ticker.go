package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

const defaultTickerURL = "https://api-pub.bitfinex.com"

// lastPriceIndex is the position of LAST_PRICE in the Bitfinex v2 ticker array.
const lastPriceIndex = 6

// Ticker reads the last trade price from a Bitfinex-style public ticker
// endpoint, retrying transient failures with backoff.
type Ticker struct {
	baseURL    string
	symbol     string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
}

// NewTicker builds a ticker feed for symbol (e.g. tBTCUSD). An empty baseURL
// uses the public Bitfinex API.
func NewTicker(baseURL, symbol string, maxRetries int, backoff time.Duration) *Ticker {
	if baseURL == "" {
		baseURL = defaultTickerURL
	}
	return &Ticker{
		baseURL:    baseURL,
		symbol:     symbol,
		maxRetries: maxRetries,
		backoff:    backoff,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Ticker) Price(ctx context.Context, _ model.Pair) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := withRetry(ctx, t.maxRetries, t.backoff, func(ctx context.Context) error {
		var err error
		price, err = t.fetch(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: ticker %s: %v", ErrUnavailable, t.symbol, err)
	}
	return price, nil
}

func (t *Ticker) fetch(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v2/ticker/%s", t.baseURL, t.symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("status %d: %s", resp.StatusCode, payload)
	}

	var fields []json.Number
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	if len(fields) <= lastPriceIndex {
		return decimal.Zero, fmt.Errorf("ticker has %d fields", len(fields))
	}

	price, err := decimal.NewFromString(fields[lastPriceIndex].String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse last price: %w", err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive last price %s", price)
	}
	return price, nil
}
