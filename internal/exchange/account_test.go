package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

const btc = model.Asset("LBTC")

func TestSimulatedAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	account := NewSimulatedAccount(map[model.Asset]decimal.Decimal{
		btc: decimal.NewFromInt(10),
	})

	ref, err := account.Reserve(ctx, btc, decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	available, err := account.Available(ctx, btc)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("available = %s, want 6", available)
	}

	// Hold returns with a 0.01 profit.
	delta, _ := decimal.NewFromString("0.01")
	if err := account.Settle(ctx, ref, delta); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	available, _ = account.Available(ctx, btc)
	want, _ := decimal.NewFromString("10.01")
	if !available.Equal(want) {
		t.Fatalf("available = %s, want %s", available, want)
	}

	if err := account.Settle(ctx, ref, decimal.Zero); err == nil {
		t.Fatal("second settle of the same ref succeeded")
	}
}

func TestSimulatedAccountOverdraw(t *testing.T) {
	ctx := context.Background()
	account := NewSimulatedAccount(map[model.Asset]decimal.Decimal{
		btc: decimal.NewFromInt(1),
	})

	if _, err := account.Reserve(ctx, btc, decimal.NewFromInt(2)); err == nil {
		t.Fatal("overdraw hold succeeded")
	}
	if _, err := account.Reserve(ctx, btc, decimal.Zero); err == nil {
		t.Fatal("zero hold succeeded")
	}
}

func TestBitfinexAccountAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/auth/r/wallets" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("bfx-apikey") != "key" || r.Header.Get("bfx-nonce") == "" || r.Header.Get("bfx-signature") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[["margin","BTC",5,0,5],["exchange","BTC",2.5,0,2.5],["exchange","UST",1000,0,1000]]`)
	}))
	defer srv.Close()

	account := NewBitfinexAccount(srv.URL, "key", "secret", map[model.Asset]string{
		btc: "BTC",
	})

	ctx := context.Background()
	available, err := account.Available(ctx, btc)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	want, _ := decimal.NewFromString("2.5")
	if !available.Equal(want) {
		t.Fatalf("available = %s, want 2.5", available)
	}

	// A local hold reduces what remains available.
	ref, err := account.Reserve(ctx, btc, decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	available, _ = account.Available(ctx, btc)
	want, _ = decimal.NewFromString("0.5")
	if !available.Equal(want) {
		t.Fatalf("available = %s, want 0.5", available)
	}

	if err := account.Settle(ctx, ref, decimal.Zero); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	available, _ = account.Available(ctx, btc)
	want, _ = decimal.NewFromString("2.5")
	if !available.Equal(want) {
		t.Fatalf("available = %s, want 2.5", available)
	}
}

func TestBitfinexAccountUnmappedAsset(t *testing.T) {
	account := NewBitfinexAccount("http://localhost:0", "key", "secret", nil)
	if _, err := account.Available(context.Background(), btc); err == nil {
		t.Fatal("unmapped asset: want error")
	}
}
