// Package vectorstore holds the Qdrant implementation of core.VectorStore.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var (
	ErrQdrantUnreachable = errors.New("qdrant is unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// QdrantStore keeps one point per chunk. The point id is derived from
// (document_id, chunk_index) so rewriting a chunk replaces it.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// NewQdrantStore connects over gRPC, waits for the server to report healthy
// and ensures the collection exists.
func NewQdrantStore(ctx context.Context, host string, port int, collection string, dim int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{client: client, collection: collection, dim: dim}
	if err := s.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	if err := s.EnsureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// healthCheckWithRetry retries for up to 30s: 500ms initial, 10s max interval.
func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error { return s.Health(ctx) }, backoff.WithContext(eb, ctx))
}

func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the cosine collection and its payload indexes once.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{"document_id", "category", "strategy"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// PointID is the deterministic point id for a chunk position.
func PointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(documentID+"#"+strconv.Itoa(chunkIndex))).String()
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID)}}
}

func (s *QdrantStore) DeleteChunks(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(documentFilter(documentID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// InsertChunk upserts a single point and waits for it to be applied.
func (s *QdrantStore) InsertChunk(ctx context.Context, ch *models.DocumentChunk) error {
	if len(ch.Embedding) != s.dim {
		return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
			ErrDimensionMismatch, ch.ChunkIndex, len(ch.Embedding), s.dim)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(ch.DocumentID, ch.ChunkIndex)),
		Vectors: qdrant.NewVectors(ch.Embedding...),
		Payload: qdrant.NewValueMap(chunkPayload(ch)),
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %d of %s: %w", ch.ChunkIndex, ch.DocumentID, err)
	}
	return nil
}

func chunkPayload(ch *models.DocumentChunk) map[string]any {
	createdAt := ch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return map[string]any{
		"chunk_id":     ch.ID,
		"document_id":  ch.DocumentID,
		"chunk_index":  ch.ChunkIndex,
		"content":      ch.Content,
		"page_ref":     ch.PageRef,
		"start_offset": ch.StartOffset,
		"end_offset":   ch.EndOffset,
		"overlap":      ch.Overlap,
		"heading":      ch.Heading,
		"strategy":     ch.Strategy,
		"category":     ch.Category,
		"token_count":  ch.TokenCount,
		"created_at":   createdAt.Format(time.RFC3339),
	}
}

func chunkFromPayload(payload map[string]*qdrant.Value) models.DocumentChunk {
	createdAt, _ := time.Parse(time.RFC3339, payload["created_at"].GetStringValue())
	return models.DocumentChunk{
		ID:          payload["chunk_id"].GetStringValue(),
		DocumentID:  payload["document_id"].GetStringValue(),
		ChunkIndex:  int(payload["chunk_index"].GetIntegerValue()),
		Content:     payload["content"].GetStringValue(),
		PageRef:     int(payload["page_ref"].GetIntegerValue()),
		StartOffset: int(payload["start_offset"].GetIntegerValue()),
		EndOffset:   int(payload["end_offset"].GetIntegerValue()),
		Overlap:     int(payload["overlap"].GetIntegerValue()),
		Heading:     payload["heading"].GetStringValue(),
		Strategy:    payload["strategy"].GetStringValue(),
		Category:    payload["category"].GetStringValue(),
		TokenCount:  int(payload["token_count"].GetIntegerValue()),
		CreatedAt:   createdAt,
	}
}

func (s *QdrantStore) CountChunks(ctx context.Context, documentID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         documentFilter(documentID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks of %s: %w", documentID, err)
	}
	return int(n), nil
}

// SearchChunks returns up to TopK points scoring at least Threshold.
func (s *QdrantStore) SearchChunks(ctx context.Context, q models.SearchQuery) ([]models.ScoredChunk, error) {
	if len(q.Embedding) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(q.Embedding), s.dim)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(q.Embedding...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		ScoreThreshold: qdrant.PtrOf(float32(q.Threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if q.DocumentID != "" {
		req.Filter = documentFilter(q.DocumentID)
	}

	results, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	out := make([]models.ScoredChunk, 0, len(results))
	for _, r := range results {
		out = append(out, models.ScoredChunk{
			DocumentChunk: chunkFromPayload(r.Payload),
			Similarity:    float64(r.Score),
		})
	}
	return out, nil
}

var _ core.VectorStore = (*QdrantStore)(nil)
