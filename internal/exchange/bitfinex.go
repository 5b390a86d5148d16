package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

const defaultBitfinexURL = "https://api.bitfinex.com"

// BitfinexAccount reads real balances from a Bitfinex account over its
// signed REST API. Holds are tracked locally: the exchange has no hold
// primitive, so Available is the remote exchange-wallet balance minus the
// sum of outstanding local holds.
type BitfinexAccount struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	currencies map[model.Asset]string
	httpClient *http.Client

	mu    sync.Mutex
	holds map[string]hold
}

// NewBitfinexAccount creates a client for the given credentials. currencies
// maps pool asset tags to Bitfinex currency codes (e.g. LBTC -> BTC).
func NewBitfinexAccount(baseURL, apiKey, apiSecret string, currencies map[model.Asset]string) *BitfinexAccount {
	if baseURL == "" {
		baseURL = defaultBitfinexURL
	}
	return &BitfinexAccount{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  []byte(apiSecret),
		currencies: currencies,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		holds:      make(map[string]hold),
	}
}

func (a *BitfinexAccount) Available(ctx context.Context, asset model.Asset) (decimal.Decimal, error) {
	currency, ok := a.currencies[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no currency mapping for asset %q", asset)
	}

	balance, err := a.exchangeBalance(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, held := range a.holds {
		if held.asset == asset {
			balance = balance.Sub(held.amount)
		}
	}
	if balance.Sign() < 0 {
		balance = decimal.Zero
	}
	return balance, nil
}

func (a *BitfinexAccount) Reserve(ctx context.Context, asset model.Asset, amount decimal.Decimal) (string, error) {
	available, err := a.Available(ctx, asset)
	if err != nil {
		return "", err
	}
	if amount.Sign() <= 0 || amount.GreaterThan(available) {
		return "", fmt.Errorf("cannot hold %s %s, available %s", amount, asset, available)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ref := uuid.NewString()
	a.holds[ref] = hold{asset: asset, amount: amount}
	return ref, nil
}

func (a *BitfinexAccount) Settle(_ context.Context, ref string, _ decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.holds[ref]; !ok {
		return fmt.Errorf("unknown hold %s", ref)
	}
	delete(a.holds, ref)
	return nil
}

// exchangeBalance calls the authenticated wallets endpoint and returns the
// exchange-wallet balance for the currency.
func (a *BitfinexAccount) exchangeBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	const path = "v2/auth/r/wallets"

	body := []byte("{}")
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig := hmac.New(sha512.New384, a.apiSecret)
	fmt.Fprintf(sig, "/api/%s%s%s", path, nonce, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("bfx-nonce", nonce)
	req.Header.Set("bfx-apikey", a.apiKey)
	req.Header.Set("bfx-signature", hex.EncodeToString(sig.Sum(nil)))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch wallets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("fetch wallets: status %d: %s", resp.StatusCode, payload)
	}

	// Each wallet is [type, currency, balance, unsettled_interest, available, ...].
	var wallets [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&wallets); err != nil {
		return decimal.Zero, fmt.Errorf("decode wallets: %w", err)
	}

	for _, wallet := range wallets {
		if len(wallet) < 3 {
			continue
		}
		var walletType, walletCurrency string
		if err := json.Unmarshal(wallet[0], &walletType); err != nil || walletType != "exchange" {
			continue
		}
		if err := json.Unmarshal(wallet[1], &walletCurrency); err != nil || walletCurrency != currency {
			continue
		}
		var balance float64
		if err := json.Unmarshal(wallet[2], &balance); err != nil {
			return decimal.Zero, fmt.Errorf("decode wallet balance: %w", err)
		}
		return decimal.NewFromFloat(balance), nil
	}

	return decimal.Zero, nil
}
