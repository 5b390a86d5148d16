package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flashpool/internal/model"
)

var testPair = model.Pair{Base: "LBTC", Quote: "LUSDT"}

func TestStaticPrice(t *testing.T) {
	price, err := Static{Value: decimal.NewFromInt(30000)}.Price(context.Background(), testPair)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("price = %s, want 30000", price)
	}

	if _, err := (Static{}).Price(context.Background(), testPair); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("zero static: got %v, want ErrUnavailable", err)
	}
}

func TestTickerPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ticker/tBTCUSD" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `[30000.1,10.5,30000.2,8.2,150.0,0.005,30123.45,1200.0,30500.0,29800.0]`)
	}))
	defer srv.Close()

	ticker := NewTicker(srv.URL, "tBTCUSD", 1, time.Millisecond)
	price, err := ticker.Price(context.Background(), testPair)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	want, _ := decimal.NewFromString("30123.45")
	if !price.Equal(want) {
		t.Fatalf("price = %s, want %s", price, want)
	}
}

func TestTickerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[0,0,0,0,0,0,30000,0,0,0]`)
	}))
	defer srv.Close()

	ticker := NewTicker(srv.URL, "tBTCUSD", 3, time.Millisecond)
	price, err := ticker.Price(context.Background(), testPair)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("price = %s, want 30000", price)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestTickerUnavailableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	ticker := NewTicker(srv.URL, "tBTCUSD", 2, time.Millisecond)
	if _, err := ticker.Price(context.Background(), testPair); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestTickerRejectsShortPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[1,2,3]`)
	}))
	defer srv.Close()

	ticker := NewTicker(srv.URL, "tBTCUSD", 1, time.Millisecond)
	if _, err := ticker.Price(context.Background(), testPair); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}
