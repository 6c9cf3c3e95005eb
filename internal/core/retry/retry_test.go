package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

func fastPolicy() Policy {
	return Policy{BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond, MaxAttempts: 5}
}

func TestBaseIsMonotonicAndCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, MaxAttempts: 10}

	prev := time.Duration(0)
	for a := 0; a < 64; a++ {
		b := p.Base(a)
		assert.GreaterOrEqual(t, b, prev, "attempt %d", a)
		assert.LessOrEqual(t, b, p.MaxDelay, "attempt %d", a)
		prev = b
	}
	assert.Equal(t, 100*time.Millisecond, p.Base(0))
	assert.Equal(t, 800*time.Millisecond, p.Base(3))
	assert.Equal(t, 5*time.Second, p.Base(10))
}

func TestDelayBounds(t *testing.T) {
	for _, j := range []float64{0, 0.5, 0.999} {
		j := j
		p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: func() float64 { return j }}

		prevBase := time.Duration(0)
		for a := 0; a < 10; a++ {
			d := p.Delay(a, 0)
			assert.GreaterOrEqual(t, d, p.Base(a))
			assert.GreaterOrEqual(t, d, prevBase)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prevBase = p.Base(a)
		}
	}

	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: func() float64 { return 0.5 }}
	assert.Equal(t, 150*time.Millisecond, p.Delay(0, 0))
	assert.Equal(t, 300*time.Millisecond, p.Delay(1, 0))
}

func TestDelayHonorsHintWithinMax(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: func() float64 { return 0 }}

	assert.Equal(t, time.Second, p.Delay(0, time.Second))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0, 10*time.Millisecond))
	assert.Equal(t, 2*time.Second, p.Delay(0, time.Minute))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var seen []Attempt
	failures := 2

	calls, err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		if failures > 0 {
			failures--
			return &core.RateLimitError{RetryAfter: 2 * time.Millisecond, Err: errors.New("429")}
		}
		return nil
	}, WithNotify(func(a Attempt) { seen = append(seen, a) }))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Number)
	assert.GreaterOrEqual(t, seen[0].Delay, 2*time.Millisecond)
	assert.LessOrEqual(t, seen[1].Delay, fastPolicy().MaxDelay)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls, err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		return core.Transient(errors.New("flaky"))
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Contains(t, err.Error(), "flaky")
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	calls, err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		return errors.New("invalid input")
	})

	require.EqualError(t, err, "invalid input")
	assert.Equal(t, 1, calls)
}

func TestDoSingleAttempt(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1

	calls, err := Do(context.Background(), p, func(context.Context) error {
		return core.Transient(errors.New("flaky"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}

	calls, err := Do(ctx, p, func(context.Context) error {
		cancel()
		return core.Transient(errors.New("flaky"))
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithRetryableOverride(t *testing.T) {
	calls, err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		return errors.New("db write failed")
	}, WithRetryable(func(error) bool { return true }))

	require.Error(t, err)
	assert.Equal(t, 5, calls)
}
