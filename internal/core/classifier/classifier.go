// Package classifier labels a document's structure with an external LLM,
// consulting the classification cache first.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/cache"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Outcome tells callers whether the classification is trustworthy.
type Outcome int

const (
	// OutcomeOK carries a fresh or cached classification.
	OutcomeOK Outcome = iota
	// OutcomeFallback carries CategoryUnclassified; Reason says why.
	OutcomeFallback
	// OutcomeFatal means the caller's context ended; nothing was classified.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFallback:
		return "fallback"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the explicit outcome of Classify.
type Result struct {
	Outcome        Outcome
	Classification models.ClassificationResult
	Digest         string
	CacheHit       bool
	Reason         string
	Err            error
}

// Category returns the label to route on.
func (r Result) Category() string {
	return r.Classification.Category
}

// Limiter paces calls to the reasoning service.
type Limiter interface {
	Wait(ctx context.Context) error
	Penalize(retryAfter time.Duration)
}

// Classifier wraps an LLMProvider with caching, pacing, retries and parsing.
type Classifier struct {
	llm        core.LLMProvider
	cache      *cache.Cache
	limiter    Limiter
	policy     retry.Policy
	timeout    time.Duration
	sampleSize int
	model      string
	logger     *slog.Logger
	group      singleflight.Group
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithCache enables the read-through cache.
func WithCache(c *cache.Cache) Option {
	return func(cl *Classifier) { cl.cache = c }
}

// WithLimiter paces outbound calls.
func WithLimiter(l Limiter) Option {
	return func(cl *Classifier) { cl.limiter = l }
}

// WithRetryPolicy overrides the retry policy for the LLM call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(cl *Classifier) { cl.policy = p }
}

// WithTimeout bounds each LLM call.
func WithTimeout(d time.Duration) Option {
	return func(cl *Classifier) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithSampleSize limits how many characters of the document are sent.
func WithSampleSize(n int) Option {
	return func(cl *Classifier) {
		if n > 0 {
			cl.sampleSize = n
		}
	}
}

// WithModelName records the model name on each result.
func WithModelName(name string) Option {
	return func(cl *Classifier) { cl.model = name }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Classifier) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New builds a Classifier over llm.
func New(llm core.LLMProvider, opts ...Option) *Classifier {
	cl := &Classifier{
		llm:        llm,
		policy:     retry.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, MaxAttempts: 3},
		timeout:    20 * time.Second,
		sampleSize: 6000,
		logger:     slog.Default().With("component", "classifier"),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Classify labels text. It never returns an error value: degraded paths come
// back as OutcomeFallback, an ended context as OutcomeFatal.
func (c *Classifier) Classify(ctx context.Context, text string, metadata map[string]any) Result {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeFatal, Reason: "context done", Err: err}
	}

	digest := cache.Digest(text, metadata)
	start := time.Now()

	if c.cache != nil {
		if res, ok := c.cache.Get(ctx, digest); ok {
			c.logger.Debug("classification cache hit", "digest", digest, "category", res.Category)
			return Result{Outcome: OutcomeOK, Classification: res, Digest: digest, CacheHit: true}
		}
	}

	v, err, shared := c.group.Do(digest, func() (any, error) {
		res, err := c.callModel(ctx, text, metadata)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Put(ctx, digest, res, 0)
		}
		return res, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Outcome: OutcomeFatal, Digest: digest, Reason: "context done", Err: ctxErr}
		}
		var cerr *core.ClassificationError
		if !errors.As(err, &cerr) {
			cerr = &core.ClassificationError{Reason: "service unavailable", Err: err}
		}
		c.logger.Warn("classification degraded to fallback", "digest", digest, "error", cerr.Error())
		return Result{
			Outcome: OutcomeFallback,
			Classification: models.ClassificationResult{
				Category:  CategoryUnclassified,
				Rationale: cerr.Reason,
			},
			Digest: digest,
			Reason: cerr.Reason,
			Err:    cerr,
		}
	}

	if c.cache != nil && !shared {
		c.cache.ObserveMiss(time.Since(start))
	}
	res := v.(models.ClassificationResult)
	c.logger.Debug("document classified", "digest", digest, "category", res.Category, "confidence", res.Confidence)
	return Result{Outcome: OutcomeOK, Classification: res, Digest: digest}
}

func (c *Classifier) callModel(ctx context.Context, text string, metadata map[string]any) (models.ClassificationResult, error) {
	user := userPrompt(sample(text, c.sampleSize), metadata)

	var raw string
	_, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.llm.Generate(callCtx, systemPrompt, user)
		if err != nil {
			if hint := core.RetryHint(err); hint > 0 && c.limiter != nil {
				c.limiter.Penalize(hint)
			}
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return models.ClassificationResult{}, &core.ClassificationError{Reason: "service unavailable", Err: err}
	}

	res, err := ParseResponse(raw)
	if err != nil {
		return models.ClassificationResult{}, &core.ClassificationError{Reason: "unparseable response", Err: err}
	}
	res.Model = c.model
	return res, nil
}
