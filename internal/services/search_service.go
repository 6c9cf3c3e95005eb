package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const (
	DefaultTopK      = 5
	MaxTopK          = 100
	DefaultThreshold = 0.5
)

var ErrEmptyQuery = errors.New("query or embedding is required")

// QueryEmbedder is implemented by providers that embed search queries
// differently from stored documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SearchRequest asks for the chunks most similar to Query or Embedding.
// A nil Threshold uses DefaultThreshold.
type SearchRequest struct {
	Query      string    `json:"query"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Threshold  *float64  `json:"threshold,omitempty"`
	TopK       int       `json:"top_k"`
	DocumentID string    `json:"document_id,omitempty"`
}

type SearchService struct {
	embedder core.EmbeddingProvider
	store    core.VectorStore
}

func NewSearchService(emb core.EmbeddingProvider, store core.VectorStore) *SearchService {
	return &SearchService{embedder: emb, store: store}
}

// Search returns at most TopK chunks with similarity >= threshold, best first.
func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]models.ScoredChunk, error) {
	vec := req.Embedding
	if len(vec) == 0 {
		q := strings.TrimSpace(req.Query)
		if q == "" {
			return nil, ErrEmptyQuery
		}
		var err error
		if vec, err = s.embed(ctx, q); err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	topK := req.TopK
	switch {
	case topK <= 0:
		topK = DefaultTopK
	case topK > MaxTopK:
		topK = MaxTopK
	}
	threshold := DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	hits, err := s.store.SearchChunks(ctx, models.SearchQuery{
		Embedding:  vec,
		Threshold:  threshold,
		TopK:       topK,
		DocumentID: req.DocumentID,
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return hits, nil
}

func (s *SearchService) embed(ctx context.Context, q string) ([]float32, error) {
	if qe, ok := s.embedder.(QueryEmbedder); ok {
		return qe.EmbedQuery(ctx, q)
	}
	vecs, err := s.embedder.EmbedTexts(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}
	return vecs[0], nil
}
