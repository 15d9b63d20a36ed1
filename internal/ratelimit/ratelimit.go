// Package ratelimit keeps one token bucket per endpoint.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the configured rate of one endpoint.
type Limit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Enabled reports whether the limit restricts anything.
func (l Limit) Enabled() bool { return l.RPS > 0 }

// Limiter provides per-endpoint rate limiting using the token bucket algorithm.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limits   map[string]Limit
}

// New creates a Limiter with no endpoints configured.
func New() *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limits:   make(map[string]Limit),
	}
}

// Set configures the limit for an endpoint. A zero RPS removes the limit. Re-setting an
// unchanged limit keeps the current bucket so a config reload does not refill it.
func (l *Limiter) Set(endpoint string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !lim.Enabled() {
		delete(l.limiters, endpoint)
		delete(l.limits, endpoint)
		return
	}
	if lim.Burst <= 0 {
		lim.Burst = max(int(lim.RPS), 1)
	}
	if cur, ok := l.limits[endpoint]; ok && cur == lim {
		return
	}
	l.limits[endpoint] = lim
	if existing, ok := l.limiters[endpoint]; ok {
		existing.SetLimit(rate.Limit(lim.RPS))
		existing.SetBurst(lim.Burst)
		return
	}
	l.limiters[endpoint] = rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst)
}

// Get returns the effective limit of an endpoint.
func (l *Limiter) Get(endpoint string) (Limit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lim, ok := l.limits[endpoint]
	return lim, ok
}

// Allow reports whether a request for endpoint may proceed now. Endpoints without a
// limit are always allowed.
func (l *Limiter) Allow(endpoint string) bool {
	ok, _ := l.Reserve(endpoint)
	return ok
}

// Reserve is like Allow but also returns how long the caller should wait before
// retrying when the request is rejected.
func (l *Limiter) Reserve(endpoint string) (bool, time.Duration) {
	l.mu.RLock()
	lim, ok := l.limiters[endpoint]
	l.mu.RUnlock()
	if !ok {
		return true, 0
	}

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}
