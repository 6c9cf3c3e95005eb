package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

var errEmptyEmbedding = errors.New("gemini returned an empty embedding")

// GeminiEmbedder embeds chunks as retrieval documents and queries as retrieval queries.
type GeminiEmbedder struct {
	client *genai.Client
	docs   *genai.EmbeddingModel
	query  *genai.EmbeddingModel
}

func newGenaiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	return genai.NewClient(ctx, option.WithAPIKey(apiKey))
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string) (*GeminiEmbedder, error) {
	cl, err := newGenaiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}

	docs := cl.EmbeddingModel(modelName)
	docs.TaskType = genai.TaskTypeRetrievalDocument
	query := cl.EmbeddingModel(modelName)
	query.TaskType = genai.TaskTypeRetrievalQuery

	return &GeminiEmbedder{client: cl, docs: docs, query: query}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts returns one vector per input, in input order.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batch := g.docs.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := g.docs.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", classifyGoogleErr(err))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini batch embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("gemini batch embed item %d: %w", i, errEmptyEmbedding)
		}
		out[i] = e.Values
	}
	return out, nil
}

func (g *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.query.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed query: %w", classifyGoogleErr(err))
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini embed query: %w", errEmptyEmbedding)
	}
	return resp.Embedding.Values, nil
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
