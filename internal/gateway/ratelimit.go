package gateway

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedVisitors = 10_000

// visitorLimiter applies a per-remote-address token bucket to the loan
// endpoints.
type visitorLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newVisitorLimiter(perMinute int) *visitorLimiter {
	if perMinute <= 0 {
		return &visitorLimiter{}
	}
	return &visitorLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (v *visitorLimiter) middleware(next http.Handler) http.Handler {
	if v.visitors == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.allow(remoteHost(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *visitorLimiter) allow(host string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	limiter, ok := v.visitors[host]
	if !ok {
		// Crude bound against unbounded growth from address churn.
		if len(v.visitors) >= maxTrackedVisitors {
			v.visitors = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(v.limit, v.burst)
		v.visitors[host] = limiter
	}
	return limiter.Allow()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
