// Package ratelimit paces outbound calls to an external model service below
// its advertised quota.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one provider quota.
type Config struct {
	// RequestsPerMinute is the quota advertised by the provider.
	RequestsPerMinute int
	// Fraction of the quota actually used, e.g. 0.8.
	Fraction float64
	// Burst is the token bucket size; 0 means 1.
	Burst int
}

// Limiter is a token bucket shared by all workers calling one service.
// A server retry hint pauses every caller until it elapses.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
	now     func() time.Time
}

// New builds a limiter at RequestsPerMinute*Fraction. A non-positive quota
// disables pacing but still honors retry hints.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		fraction := cfg.Fraction
		if fraction <= 0 || fraction > 1 {
			fraction = 1
		}
		limit = rate.Limit(float64(cfg.RequestsPerMinute) * fraction / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst), now: time.Now}
}

// Limit returns the effective requests per second.
func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}

// Wait blocks until a call may be made.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if wait := retryAt.Sub(l.now()); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	return l.limiter.Wait(ctx)
}

// Penalize records a rate-limit response; callers are held back for retryAfter.
// Later hints never shorten an existing pause.
func (l *Limiter) Penalize(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if at := l.now().Add(retryAfter); at.After(l.retryAt) {
		l.retryAt = at
	}
}

// PausedUntil reports the current hint deadline, zero when none.
func (l *Limiter) PausedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retryAt.Before(l.now()) {
		return time.Time{}
	}
	return l.retryAt
}
