// Package retry implements exponential backoff with full-range jitter on top
// of cenkalti/backoff.
//
// The delay before retry number a (0-based) is
//
//	min(MaxDelay, 2^a*BaseDelay + rand(0, 2^a*BaseDelay))
//
// raised to the server hint when the failure carried one, and never above MaxDelay.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// Policy configures a retry loop.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // total calls including the first one
	// Jitter returns a value in [0, 1). Nil uses math/rand.
	Jitter func() float64
}

// DefaultPolicy returns the embedding defaults: 500ms base, 30s cap, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

// Base returns 2^attempt*BaseDelay capped at MaxDelay, without jitter.
func (p Policy) Base(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay returns the jittered delay for attempt, honoring hint.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	base := p.Base(attempt)
	j := rand.Float64
	if p.Jitter != nil {
		j = p.Jitter
	}
	d := base + time.Duration(j()*float64(base))
	if hint > d {
		d = hint
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// jitterBackOff adapts Policy to backoff.BackOff. hint is set by the
// operation wrapper right before NextBackOff is consulted.
type jitterBackOff struct {
	policy  Policy
	attempt int
	hint    time.Duration
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.hint)
	b.attempt++
	b.hint = 0
	return d
}

func (b *jitterBackOff) Reset() {
	b.attempt = 0
	b.hint = 0
}

// Attempt describes one failed call that will be retried after Delay.
type Attempt struct {
	Number int // 1-based number of the failed call
	Delay  time.Duration
	Err    error
}

type options struct {
	notify    func(Attempt)
	retryable func(error) bool
}

// Option customizes Do.
type Option func(*options)

// WithNotify registers a callback invoked before every wait.
func WithNotify(fn func(Attempt)) Option {
	return func(o *options) { o.notify = fn }
}

// WithRetryable overrides core.IsRetryable as the retry predicate.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// Do calls op until it succeeds, returns a non-retryable error, the policy's
// attempts run out or ctx is done. It returns the number of calls made.
func Do(ctx context.Context, p Policy, op func(context.Context) error, opts ...Option) (int, error) {
	o := options{retryable: core.IsRetryable}
	for _, opt := range opts {
		opt(&o)
	}

	calls := 0
	if p.MaxAttempts <= 1 {
		calls++
		return calls, op(ctx)
	}

	jb := &jitterBackOff{policy: p}
	operation := func() error {
		calls++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !o.retryable(err) {
			return backoff.Permanent(err)
		}
		jb.hint = core.RetryHint(err)
		return err
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, d time.Duration) {
			o.notify(Attempt{Number: calls, Delay: d, Err: err})
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(jb, uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	return calls, err
}
