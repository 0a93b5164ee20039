package middleware

// Package middleware provides HTTP middleware for the API surface.
//
// The rate limiter guards the signal intake endpoint: a misconfigured alert
// rule or a flapping monitor can submit the same signal hundreds of times a
// minute, and every accepted submission opens an incident with its own
// runner. Throttling per client keeps one noisy source from starving the
// engine while other sources keep reporting.

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ram677/ops-swarm/internal/metrics"
)

// RateLimiter is a per-client token bucket. Buckets refill continuously at
// the configured per-minute rate; clients idle past the stale window are
// dropped by a background sweep.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	perMin  int
	done    chan struct{}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute requests per
// client host.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		perMin:  requestsPerMinute,
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Guard wraps a handler with the rate limit check. Throttled requests get a
// 429 with the same JSON error shape the API uses everywhere else.
func (rl *RateLimiter) Guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientHost(r)) {
			metrics.SignalsThrottled.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded, retry later"})
			return
		}
		next(w, r)
	}
}

// allow takes one token from the client's bucket, refilling first based on
// the time elapsed since the last refill.
func (rl *RateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[client]
	if !exists {
		rl.buckets[client] = &bucket{
			tokens:     rl.perMin - 1,
			lastRefill: now,
		}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.perMin))
	if refill > 0 {
		b.tokens = min(rl.perMin, b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// sweep drops buckets that have not been touched for ten minutes.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for client, b := range rl.buckets {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(rl.buckets, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the background sweep.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// clientHost strips the port from the remote address so a client keeps one
// bucket across connections.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
