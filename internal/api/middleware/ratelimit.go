package middleware

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// window is one client's request count inside the current fixed window.
type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter caps requests per client IP over a fixed window. It
// guards the login endpoint against credential stuffing; the rest of
// the API is behind auth and does not need it.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*window
	limit   int
	window  time.Duration
}

// NewRateLimiter allows limit requests per window for each client IP.
func NewRateLimiter(limit int, windowDur time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*window),
		limit:   limit,
		window:  windowDur,
	}
}

// Handler enforces the limit. Refused requests get a 429 with a
// Retry-After header naming the seconds until the window resets.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.allow(clientKey(r), time.Now())
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests, try again later"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string, now time.Time) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Expired windows are pruned in passing, so the map stays bounded
	// without a background goroutine.
	if len(rl.clients) > 1000 {
		for k, c := range rl.clients {
			if now.After(c.resetAt) {
				delete(rl.clients, k)
			}
		}
	}

	c := rl.clients[key]
	if c == nil || now.After(c.resetAt) {
		c = &window{resetAt: now.Add(rl.window)}
		rl.clients[key] = c
	}
	c.count++
	if c.count > rl.limit {
		retry := int(c.resetAt.Sub(now).Seconds()) + 1
		return false, retry
	}
	return true, 0
}

// clientKey extracts the client IP. The RealIP middleware has already
// rewritten RemoteAddr from X-Forwarded-For when present; it may or may
// not carry a port.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
