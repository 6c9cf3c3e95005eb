package core

import (
	"context"
	"io"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// DocumentStore persists Document identity records.
type DocumentStore interface {
	// UpsertDocument inserts doc or, when its content hash already exists,
	// returns the existing record refreshed with doc's file name and metadata.
	UpsertDocument(ctx context.Context, doc *models.Document) (*models.Document, error)
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status string) error
	UpdateDocumentClassification(ctx context.Context, id, category, strategy string) error
}

// VectorStore persists chunks together with their embeddings.
// InsertChunk writes the chunk row and its vector as one unit.
type VectorStore interface {
	DeleteChunks(ctx context.Context, documentID string) error
	InsertChunk(ctx context.Context, chunk *models.DocumentChunk) error
	CountChunks(ctx context.Context, documentID string) (int, error)
	SearchChunks(ctx context.Context, q models.SearchQuery) ([]models.ScoredChunk, error)
}

// DbClient is the Postgres-backed store: documents plus pgvector chunks.
type DbClient interface {
	DocumentStore
	VectorStore
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)

	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// DocumentExtractor turns raw file bytes into text plus structural hints.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, contentType, fileName string) (*models.ExtractedDocument, error)
}

// EmbeddingProvider returns one vector per input text, in input order.
// Implementations report quota rejections as *RateLimitError.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// LLMProvider answers a system and user prompt pair with raw model text.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}
