package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrIntakeHalted     = errors.New("ingestion intake halted")
	ErrDocumentLocked   = errors.New("document is locked by another run")
)

// Error kinds as reported in job payloads.
const (
	KindExtraction     = "extraction"
	KindClassification = "classification"
	KindCache          = "cache"
	KindEmbedding      = "embedding"
	KindIndexWrite     = "index_write"
	KindLedgerWrite    = "ledger_write"
	KindCancelled      = "cancelled"
	KindInternal       = "internal"
)

// ExtractionError means the source could not be read or converted.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ClassificationError means the reasoning service was unavailable or its
// answer could not be parsed.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return "classify: " + e.Reason
	}
	return fmt.Sprintf("classify: %s: %v", e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// CacheError wraps a cache backend failure. It is logged, never propagated
// to the pipeline.
type CacheError struct {
	Op     string
	Digest string
	Err    error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Digest, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// EmbeddingError means a batch exhausted its retry attempts.
type EmbeddingError struct {
	DocumentID string
	Batch      int
	Attempts   int
	Err        error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed document %s batch %d after %d attempts: %v", e.DocumentID, e.Batch, e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexWriteError means a computed embedding could not be persisted.
type IndexWriteError struct {
	DocumentID string
	ChunkIndex int
	Attempts   int
	Err        error
}

func (e *IndexWriteError) Error() string {
	return fmt.Sprintf("write chunk %d of document %s after %d attempts: %v", e.ChunkIndex, e.DocumentID, e.Attempts, e.Err)
}

func (e *IndexWriteError) Unwrap() error { return e.Err }

// LedgerWriteError is fatal to the orchestrator.
type LedgerWriteError struct {
	DocumentID string
	Path       string
	Err        error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write %s (%s): %v", e.DocumentID, e.Path, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// RateLimitError is returned by providers on HTTP 429 / RESOURCE_EXHAUSTED.
// RetryAfter is the server hint, zero when absent.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientError marks an infrastructure failure worth retrying
// (network, object store, database connectivity).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError; nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RetryHint returns the server-provided delay carried by err, if any.
func RetryHint(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsRetryable reports whether an external call failure should be retried.
// Timeouts count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	var te *TransientError
	return errors.As(err, &rl) || errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether a document failure may succeed on a job-level
// retry. An EmbeddingError has already spent its attempts and is final,
// whatever the provider's last answer was.
func IsTransient(err error) bool {
	var iw *IndexWriteError
	if errors.As(err, &iw) {
		return true
	}
	var em *EmbeddingError
	if errors.As(err, &em) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// ErrorKind classifies err into the taxonomy.
func ErrorKind(err error) string {
	var (
		ex *ExtractionError
		cl *ClassificationError
		ca *CacheError
		em *EmbeddingError
		iw *IndexWriteError
		lw *LedgerWriteError
	)
	switch {
	case errors.As(err, &lw):
		return KindLedgerWrite
	case errors.As(err, &iw):
		return KindIndexWrite
	case errors.As(err, &em):
		return KindEmbedding
	case errors.As(err, &ex):
		return KindExtraction
	case errors.As(err, &cl):
		return KindClassification
	case errors.As(err, &ca):
		return KindCache
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Payload renders err for job pollers.
func Payload(err error, stage string) *models.ErrorPayload {
	if err == nil {
		return nil
	}
	return &models.ErrorPayload{Kind: ErrorKind(err), Stage: stage, Message: err.Error()}
}
