package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVisitorLimiterBounds(t *testing.T) {
	limiter := newVisitorLimiter(2)
	handler := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/flashloan/quote", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burst of 2 per visitor, then a 429.
	if code := do("10.0.0.1:1111"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := do("10.0.0.1:2222"); code != http.StatusOK {
		t.Fatalf("second request: %d", code)
	}
	if code := do("10.0.0.1:3333"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d, want 429", code)
	}

	// A different remote has its own bucket.
	if code := do("10.0.0.2:1111"); code != http.StatusOK {
		t.Fatalf("other visitor: %d", code)
	}
}

func TestVisitorLimiterDisabled(t *testing.T) {
	limiter := newVisitorLimiter(0)
	handler := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/flashloan/quote", nil)
		req.RemoteAddr = "10.0.0.1:1111"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
}
