// Package indexer embeds chunks in batches and persists them with their
// vectors, one chunk per write.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/chunking"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var tracer = otel.Tracer("indexer")

// Limiter paces calls to the embedding service.
type Limiter interface {
	Wait(ctx context.Context) error
	Penalize(retryAfter time.Duration)
}

// Observer receives batch and retry counts. *metrics.Collector satisfies it.
type Observer interface {
	EmbedBatch(status string)
	EmbedRetry()
}

// Indexer writes a document's chunks to a VectorStore.
type Indexer struct {
	embedder    core.EmbeddingProvider
	store       core.VectorStore
	locker      Locker
	limiter     Limiter
	observer    Observer
	embedPolicy retry.Policy
	writePolicy retry.Policy
	batchSize   int
	timeout     time.Duration
	logger      *slog.Logger
}

type Option func(*Indexer)

func WithLocker(l Locker) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.locker = l
		}
	}
}

func WithLimiter(l Limiter) Option {
	return func(ix *Indexer) { ix.limiter = l }
}

func WithObserver(o Observer) Option {
	return func(ix *Indexer) { ix.observer = o }
}

// WithEmbedPolicy sets the retry policy for embedding calls.
func WithEmbedPolicy(p retry.Policy) Option {
	return func(ix *Indexer) { ix.embedPolicy = p }
}

// WithWritePolicy sets the retry policy for store writes.
func WithWritePolicy(p retry.Policy) Option {
	return func(ix *Indexer) { ix.writePolicy = p }
}

func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithTimeout bounds each embedding call.
func WithTimeout(d time.Duration) Option {
	return func(ix *Indexer) {
		if d > 0 {
			ix.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

func New(embedder core.EmbeddingProvider, store core.VectorStore, opts ...Option) *Indexer {
	ix := &Indexer{
		embedder:    embedder,
		store:       store,
		locker:      NewMemoryLocker(),
		embedPolicy: retry.DefaultPolicy(),
		writePolicy: retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, MaxAttempts: 3},
		batchSize:   16,
		timeout:     30 * time.Second,
		logger:      slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// EmbedAndStore replaces doc's chunks in the store and returns how many were
// written.
//
// A batch that exhausts its attempts is recorded as an *core.EmbeddingError and
// the remaining batches still run. A write that exhausts its attempts stops
// the run with an *core.IndexWriteError, which takes precedence. Writes are
// retried without re-embedding.
func (ix *Indexer) EmbedAndStore(ctx context.Context, doc *models.Document, chunks []models.TextChunk, cls models.ClassificationResult) (int, error) {
	ctx, span := tracer.Start(ctx, "indexer.EmbedAndStore", trace.WithAttributes(
		attribute.String("document.id", doc.ID),
		attribute.Int("chunks", len(chunks)),
	))
	defer span.End()

	unlock, err := ix.locker.Lock(ctx, doc.ID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("lock document %s: %w", doc.ID, err)
	}
	defer unlock()

	if err := ix.write(ctx, doc.ID, -1, func(ctx context.Context) error {
		return ix.store.DeleteChunks(ctx, doc.ID)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete chunks")
		return 0, err
	}

	var (
		written   int
		embedErrs []error
	)
	for b, start := 0, 0; start < len(chunks); b, start = b+1, start+ix.batchSize {
		end := min(start+ix.batchSize, len(chunks))
		batch := chunks[start:end]

		vectors, err := ix.embedBatch(ctx, doc.ID, b, batch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			embedErrs = append(embedErrs, err)
			continue
		}

		for i, tc := range batch {
			row := &models.DocumentChunk{
				ID:          uuid.NewString(),
				DocumentID:  doc.ID,
				ChunkIndex:  tc.Index,
				Content:     tc.Content,
				Embedding:   vectors[i],
				PageRef:     tc.PageRef,
				StartOffset: tc.Start,
				EndOffset:   tc.End,
				Overlap:     tc.Overlap,
				Heading:     tc.Heading,
				Strategy:    doc.Strategy,
				Category:    cls.Category,
				TokenCount:  chunking.ApproxTokens(tc.Content),
				CreatedAt:   time.Now().UTC(),
			}
			if err := ix.write(ctx, doc.ID, tc.Index, func(ctx context.Context) error {
				return ix.store.InsertChunk(ctx, row)
			}); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "write chunk")
				return written, err
			}
			written++
		}
	}

	span.SetAttributes(attribute.Int("written", written))
	if len(embedErrs) > 0 {
		err := errors.Join(embedErrs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding")
		return written, err
	}
	return written, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, docID string, batch int, chunks []models.TextChunk) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "indexer.embedBatch", trace.WithAttributes(
		attribute.Int("batch", batch),
		attribute.Int("size", len(chunks)),
	))
	defer span.End()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	var vectors [][]float32
	calls, err := retry.Do(ctx, ix.embedPolicy, func(ctx context.Context) error {
		if ix.limiter != nil {
			if err := ix.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, ix.timeout)
		defer cancel()

		out, err := ix.embedder.EmbedTexts(callCtx, texts)
		if err != nil {
			if hint := core.RetryHint(err); hint > 0 && ix.limiter != nil {
				ix.limiter.Penalize(hint)
			}
			return err
		}
		if len(out) != len(texts) {
			return fmt.Errorf("embedding service returned %d vectors for %d inputs", len(out), len(texts))
		}
		vectors = out
		return nil
	}, retry.WithNotify(func(a retry.Attempt) {
		if ix.observer != nil {
			ix.observer.EmbedRetry()
		}
		ix.logger.Warn("embedding batch failed, retrying",
			"document_id", docID, "batch", batch, "attempt", a.Number, "delay", a.Delay, "error", a.Err)
	}))
	span.SetAttributes(attribute.Int("calls", calls))

	if err != nil {
		span.RecordError(err)
		if ix.observer != nil {
			ix.observer.EmbedBatch("failed")
		}
		ix.logger.Error("embedding batch failed", "document_id", docID, "batch", batch, "attempts", calls, "error", err)
		return nil, &core.EmbeddingError{DocumentID: docID, Batch: batch, Attempts: calls, Err: err}
	}
	if ix.observer != nil {
		ix.observer.EmbedBatch("ok")
	}
	return vectors, nil
}

// write runs op under the write policy. Every failure except an ended
// context is retried.
func (ix *Indexer) write(ctx context.Context, docID string, chunkIndex int, op func(context.Context) error) error {
	calls, err := retry.Do(ctx, ix.writePolicy, op,
		retry.WithRetryable(func(error) bool { return ctx.Err() == nil }),
		retry.WithNotify(func(a retry.Attempt) {
			ix.logger.Warn("index write failed, retrying",
				"document_id", docID, "chunk", chunkIndex, "attempt", a.Number, "error", a.Err)
		}))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &core.IndexWriteError{DocumentID: docID, ChunkIndex: chunkIndex, Attempts: calls, Err: err}
}
