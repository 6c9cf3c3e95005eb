package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/logger"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// scriptedEmbedder fails calls according to failFor, keyed by the first text
// of the batch.
type scriptedEmbedder struct {
	mu      sync.Mutex
	calls   int
	perText map[string]int
	failFor func(first string, n int) error
}

func (e *scriptedEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	if e.perText == nil {
		e.perText = map[string]int{}
	}
	e.perText[texts[0]]++
	n := e.perText[texts[0]]
	e.mu.Unlock()

	if e.failFor != nil {
		if err := e.failFor(texts[0], n); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (e *scriptedEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type memStore struct {
	mu       sync.Mutex
	chunks   map[string]map[int]models.DocumentChunk
	inserts  int
	failNext int
	failAll  bool
}

func newMemStore() *memStore {
	return &memStore{chunks: map[string]map[int]models.DocumentChunk{}}
}

func (s *memStore) DeleteChunks(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, docID)
	return nil
}

func (s *memStore) InsertChunk(_ context.Context, c *models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failAll {
		return errors.New("connection refused")
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.New("deadlock detected")
	}
	if len(c.Embedding) == 0 {
		return errors.New("embedding is required")
	}
	if s.chunks[c.DocumentID] == nil {
		s.chunks[c.DocumentID] = map[int]models.DocumentChunk{}
	}
	s.chunks[c.DocumentID][c.ChunkIndex] = *c
	return nil
}

func (s *memStore) CountChunks(_ context.Context, docID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[docID]), nil
}

func (s *memStore) SearchChunks(context.Context, models.SearchQuery) ([]models.ScoredChunk, error) {
	return nil, nil
}

func (s *memStore) indexes(docID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := range s.chunks[docID] {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

type recLimiter struct {
	waits     atomic.Int32
	mu        sync.Mutex
	penalties []time.Duration
}

func (l *recLimiter) Wait(context.Context) error { l.waits.Add(1); return nil }
func (l *recLimiter) Penalize(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties = append(l.penalties, d)
}

type recObserver struct {
	retries atomic.Int32
	ok      atomic.Int32
	failed  atomic.Int32
}

func (o *recObserver) EmbedRetry() { o.retries.Add(1) }
func (o *recObserver) EmbedBatch(status string) {
	if status == "ok" {
		o.ok.Add(1)
	} else {
		o.failed.Add(1)
	}
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: attempts, Jitter: func() float64 { return 0 }}
}

func textChunks(n int) []models.TextChunk {
	out := make([]models.TextChunk, n)
	pos := 0
	for i := range out {
		content := fmt.Sprintf("chunk-%02d", i)
		out[i] = models.TextChunk{Index: i, Content: content, Start: pos, End: pos + len(content), PageRef: 1}
		pos += len(content)
	}
	return out
}

func newIndexer(emb core.EmbeddingProvider, store core.VectorStore, opts ...Option) *Indexer {
	base := []Option{
		WithBatchSize(4),
		WithEmbedPolicy(fastPolicy(5)),
		WithWritePolicy(fastPolicy(3)),
		WithLogger(logger.Discard()),
	}
	return New(emb, store, append(base, opts...)...)
}

var doc = &models.Document{ID: "doc-1", Strategy: "structure"}
var cls = models.ClassificationResult{Category: "structured", Confidence: 0.9}

func TestAllBatchesWritten(t *testing.T) {
	emb := &scriptedEmbedder{}
	store := newMemStore()
	obs := &recObserver{}

	n, err := newIndexer(emb, store, WithObserver(obs)).EmbedAndStore(context.Background(), doc, textChunks(10), cls)

	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 3, emb.Calls())
	assert.Equal(t, int32(3), obs.ok.Load())

	row := store.chunks["doc-1"][0]
	assert.Equal(t, "structured", row.Category)
	assert.Equal(t, "structure", row.Strategy)
	assert.Equal(t, 1, row.PageRef)
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, 2, row.TokenCount)
}

func TestRateLimitedBatchIsRetriedWithHint(t *testing.T) {
	// batch 2 of 5 is rate limited once
	emb := &scriptedEmbedder{failFor: func(first string, n int) error {
		if first == "chunk-08" && n == 1 {
			return &core.RateLimitError{RetryAfter: 3 * time.Millisecond, Err: errors.New("429")}
		}
		return nil
	}}
	store := newMemStore()
	lim := &recLimiter{}
	obs := &recObserver{}

	n, err := newIndexer(emb, store, WithLimiter(lim), WithObserver(obs)).
		EmbedAndStore(context.Background(), doc, textChunks(20), cls)

	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, 6, emb.Calls())
	assert.Equal(t, int32(6), lim.waits.Load())
	assert.Equal(t, []time.Duration{3 * time.Millisecond}, lim.penalties)
	assert.Equal(t, int32(1), obs.retries.Load())
	assert.Len(t, store.indexes("doc-1"), 20)
}

func TestExhaustedBatchIsEmbeddingErrorAndOthersContinue(t *testing.T) {
	emb := &scriptedEmbedder{failFor: func(first string, _ int) error {
		if first == "chunk-04" {
			return &core.RateLimitError{Err: errors.New("RESOURCE_EXHAUSTED")}
		}
		return nil
	}}
	store := newMemStore()
	obs := &recObserver{}

	n, err := newIndexer(emb, store, WithObserver(obs)).EmbedAndStore(context.Background(), doc, textChunks(12), cls)

	var ee *core.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Batch)
	assert.Equal(t, 5, ee.Attempts)
	assert.Equal(t, core.KindEmbedding, core.ErrorKind(err))
	assert.Equal(t, 8, n)
	assert.Equal(t, []int{0, 1, 2, 3, 8, 9, 10, 11}, store.indexes("doc-1"))
	assert.Equal(t, int32(1), obs.failed.Load())
	assert.Equal(t, int32(4), obs.retries.Load())
}

func TestNonRetryableEmbedErrorIsNotRetried(t *testing.T) {
	emb := &scriptedEmbedder{failFor: func(string, int) error { return errors.New("400 invalid input") }}

	_, err := newIndexer(emb, newMemStore()).EmbedAndStore(context.Background(), doc, textChunks(4), cls)

	var ee *core.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Attempts)
	assert.Equal(t, 1, emb.Calls())
}

func TestWriteRetryDoesNotReEmbed(t *testing.T) {
	emb := &scriptedEmbedder{}
	store := newMemStore()
	store.failNext = 2

	n, err := newIndexer(emb, store).EmbedAndStore(context.Background(), doc, textChunks(4), cls)

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, emb.Calls())
	assert.Equal(t, 6, store.inserts)
}

func TestWriteExhaustionIsIndexWriteError(t *testing.T) {
	emb := &scriptedEmbedder{failFor: func(first string, _ int) error {
		if first == "chunk-04" {
			return errors.New("bad batch")
		}
		return nil
	}}
	store := newMemStore()
	store.failAll = true

	n, err := newIndexer(emb, store).EmbedAndStore(context.Background(), doc, textChunks(8), cls)

	var iw *core.IndexWriteError
	require.ErrorAs(t, err, &iw)
	assert.Equal(t, 0, iw.ChunkIndex)
	assert.Equal(t, 3, iw.Attempts)
	assert.Equal(t, 0, n)
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, core.KindIndexWrite, core.ErrorKind(err))
}

func TestReindexReplacesChunks(t *testing.T) {
	store := newMemStore()
	ix := newIndexer(&scriptedEmbedder{}, store)

	_, err := ix.EmbedAndStore(context.Background(), doc, textChunks(6), cls)
	require.NoError(t, err)
	_, err = ix.EmbedAndStore(context.Background(), doc, textChunks(3), cls)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, store.indexes("doc-1"))
}

func TestCancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	emb := &scriptedEmbedder{failFor: func(string, int) error {
		cancel()
		return &core.RateLimitError{Err: errors.New("429")}
	}}

	_, err := newIndexer(emb, newMemStore()).EmbedAndStore(ctx, doc, textChunks(8), cls)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, emb.Calls())
}

// serialStore fails the test if two runs for the same document interleave.
type serialStore struct {
	*memStore
	active atomic.Int32
	t      *testing.T
}

func (s *serialStore) DeleteChunks(ctx context.Context, id string) error {
	if s.active.Add(1) != 1 {
		s.t.Error("concurrent index runs for the same document")
	}
	return s.memStore.DeleteChunks(ctx, id)
}

func (s *serialStore) InsertChunk(ctx context.Context, c *models.DocumentChunk) error {
	err := s.memStore.InsertChunk(ctx, c)
	if c.ChunkIndex == 7 {
		s.active.Add(-1)
	}
	return err
}

func TestRunsForSameDocumentAreSerialized(t *testing.T) {
	store := &serialStore{memStore: newMemStore(), t: t}
	ix := newIndexer(&scriptedEmbedder{}, store)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ix.EmbedAndStore(context.Background(), doc, textChunks(8), cls)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, store.indexes("doc-1"), 8)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	// other keys are independent
	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "a")
		if err == nil {
			u()
		}
		close(acquired)
	}()
	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}

	l.mu.Lock()
	assert.Empty(t, l.locks)
	l.mu.Unlock()
}
