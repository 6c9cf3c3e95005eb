// Package cache is the content-addressed classification cache.
//
// A Cache never fails its callers: backend, serialization and timeout errors
// are logged as "classification cache error" events and surface as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// DefaultTTL bounds staleness after content edits.
const DefaultTTL = 7 * 24 * time.Hour

// Lookup outcomes reported to the Observer.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeError  = "error"
	OutcomeBypass = "bypass"
)

// Observer receives lookup counts and latencies. *metrics.Collector implements it.
type Observer interface {
	CacheLookup(outcome string)
	CacheLatency(outcome string, d time.Duration)
}

// Latency holds percentiles in milliseconds.
type Latency struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// Stats is the operator view of the cache.
type Stats struct {
	Enabled       bool    `json:"enabled"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Errors        uint64  `json:"errors"`
	HitRate       float64 `json:"hit_rate"`
	LatencyMs     Latency `json:"latency_ms"`
	HitLatencyMs  Latency `json:"hit_latency_ms"`
	MissLatencyMs Latency `json:"miss_latency_ms"`
	TTLSeconds    int64   `json:"ttl_seconds"`
}

// Cache maps digests to ClassificationResults.
type Cache struct {
	backend   Backend
	ttl       time.Duration
	timeout   time.Duration
	enabled   atomic.Bool
	observer  Observer
	logger    *slog.Logger
	hits      atomic.Uint64
	misses    atomic.Uint64
	errors    atomic.Uint64
	hitTimes  *window
	missTimes *window
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEnabled sets the initial enabled flag.
func WithEnabled(enabled bool) Option {
	return func(c *Cache) { c.enabled.Store(enabled) }
}

// WithObserver mirrors lookups to an external metrics sink.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWindow sets how many latency samples per outcome feed the percentiles.
func WithWindow(size int) Option {
	return func(c *Cache) {
		c.hitTimes = newWindow(size)
		c.missTimes = newWindow(size)
	}
}

// New builds an enabled cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:   backend,
		ttl:       DefaultTTL,
		timeout:   500 * time.Millisecond,
		logger:    slog.Default().With("component", "classification-cache"),
		hitTimes:  newWindow(1024),
		missTimes: newWindow(1024),
	}
	c.enabled.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether lookups reach the backend.
func (c *Cache) Enabled() bool { return c.enabled.Load() }

// SetEnabled toggles the bypass at runtime.
func (c *Cache) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	c.logger.Info("classification cache toggled", "enabled", enabled)
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the stored result for digest. The bool is false on a miss,
// on any backend failure and when the cache is disabled.
func (c *Cache) Get(ctx context.Context, digest string) (models.ClassificationResult, bool) {
	var res models.ClassificationResult
	if !c.Enabled() {
		c.count(OutcomeBypass)
		return res, false
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.backend.Get(ctx, digest)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.fail("get", digest, err)
		}
		c.misses.Add(1)
		c.count(OutcomeMiss)
		return res, false
	}

	if err := json.Unmarshal(raw, &res); err != nil || res.Category == "" {
		if err == nil {
			err = errors.New("entry has no category")
		}
		c.fail("decode", digest, err)
		c.misses.Add(1)
		c.count(OutcomeMiss)
		return models.ClassificationResult{}, false
	}

	elapsed := time.Since(start)
	c.hits.Add(1)
	c.hitTimes.add(elapsed)
	c.count(OutcomeHit)
	c.latency(OutcomeHit, elapsed)
	return res, true
}

// Put stores result under digest; ttl <= 0 uses the default. Failures are
// logged and otherwise ignored.
func (c *Cache) Put(ctx context.Context, digest string, result models.ClassificationResult, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.fail("encode", digest, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.backend.Set(ctx, digest, raw, ttl); err != nil {
		c.fail("put", digest, err)
	}
}

// Invalidate removes a single entry. Unlike Get and Put it reports failures,
// since it is an administrative action.
func (c *Cache) Invalidate(ctx context.Context, digest string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Delete(ctx, digest); err != nil {
		cerr := &core.CacheError{Op: "invalidate", Digest: digest, Err: err}
		c.fail("invalidate", digest, err)
		return cerr
	}
	c.logger.Info("classification cache entry invalidated", "digest", digest)
	return nil
}

// ObserveMiss records the full latency of a miss path, including the call
// that produced the fresh result.
func (c *Cache) ObserveMiss(d time.Duration) {
	c.missTimes.add(d)
	c.latency(OutcomeMiss, d)
}

// Stats returns counters and rolling-window percentiles.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	hitSamples := c.hitTimes.snapshot()
	missSamples := c.missTimes.snapshot()
	all := append(append([]time.Duration(nil), hitSamples...), missSamples...)

	s := Stats{
		Enabled:       c.Enabled(),
		Hits:          hits,
		Misses:        misses,
		Errors:        c.errors.Load(),
		LatencyMs:     latencyOf(all),
		HitLatencyMs:  latencyOf(hitSamples),
		MissLatencyMs: latencyOf(missSamples),
		TTLSeconds:    int64(c.ttl / time.Second),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *Cache) fail(op, digest string, err error) {
	c.errors.Add(1)
	c.logger.Error("classification cache error",
		"op", op, "digest", digest, "error", (&core.CacheError{Op: op, Digest: digest, Err: err}).Error())
	c.count(OutcomeError)
}

func (c *Cache) count(outcome string) {
	c.safely(func(o Observer) { o.CacheLookup(outcome) })
}

func (c *Cache) latency(outcome string, d time.Duration) {
	c.safely(func(o Observer) { o.CacheLatency(outcome, d) })
}

// safely forwards to the Observer; a failing observer never reaches the caller.
func (c *Cache) safely(fn func(Observer)) {
	if c.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("cache metrics observer failed", "panic", r)
		}
	}()
	fn(c.observer)
}
