package models

import (
	"time"
)

// Document status values.
const (
	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
	DocumentArchived   = "archived"
)

// Document is the identity record for one source file. ContentHash is unique.
type Document struct {
	ID          string         `db:"id" json:"id"`
	FileName    string         `db:"file_name" json:"file_name"`
	StorageURL  string         `db:"storage_url" json:"storage_url"` // s3:// URL or local path
	SourceType  string         `db:"source_type" json:"source_type"` // "upload", "path" or "s3"
	ContentType string         `db:"content_type" json:"content_type"`
	ContentHash string         `db:"content_hash" json:"content_hash"`
	Status      string         `db:"status" json:"status"` // pending | processing | completed | failed | archived
	Strategy    string         `db:"strategy" json:"strategy,omitempty"`
	Category    string         `db:"category" json:"category,omitempty"`
	Metadata    map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// DocumentChunk represents one indexed text chunk from a document.
type DocumentChunk struct {
	ID          string    `db:"id" json:"id"`
	DocumentID  string    `db:"document_id" json:"document_id"`
	ChunkIndex  int       `db:"chunk_index" json:"chunk_index"`
	Content     string    `db:"content" json:"content"`
	Embedding   []float32 `db:"embedding" json:"embedding,omitempty"` // pgvector column
	PageRef     int       `db:"page_ref" json:"page_ref,omitempty"`
	StartOffset int       `db:"start_offset" json:"start_offset"`
	EndOffset   int       `db:"end_offset" json:"end_offset"`
	Overlap     int       `db:"overlap" json:"overlap"`
	Heading     string    `db:"heading" json:"heading,omitempty"`
	Strategy    string    `db:"strategy" json:"strategy"`
	Category    string    `db:"category" json:"category"`
	TokenCount  int       `db:"token_count" json:"token_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ScoredChunk is a search hit with cosine similarity in [-1, 1].
type ScoredChunk struct {
	DocumentChunk
	Similarity float64 `json:"similarity"`
	FileName   string  `json:"file_name,omitempty"`
}

// ClassificationResult is the structural label assigned to a document.
type ClassificationResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Model      string  `json:"model,omitempty"`
}

// TextSpan is a half-open byte range [Start, End) of the extracted text.
type TextSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Heading marks a title line; Span covers the heading line itself.
type Heading struct {
	Level int      `json:"level"`
	Title string   `json:"title"`
	Span  TextSpan `json:"span"`
}

// Marker flags a non-prose region such as a table row or an image reference.
type Marker struct {
	Kind string   `json:"kind"` // "table" or "image"
	Span TextSpan `json:"span"`
}

// StructuralHints describe layout discovered during extraction.
// Pages tile the text in order; page N is Pages[N-1].
type StructuralHints struct {
	Pages    []TextSpan `json:"pages,omitempty"`
	Headings []Heading  `json:"headings,omitempty"`
	Markers  []Marker   `json:"markers,omitempty"`
}

// PageAt returns the 1-based page containing offset, or 0 without page hints.
func (h StructuralHints) PageAt(offset int) int {
	for i, p := range h.Pages {
		if offset >= p.Start && offset < p.End {
			return i + 1
		}
	}
	if n := len(h.Pages); n > 0 && offset >= h.Pages[n-1].End {
		return n
	}
	return 0
}

// ExtractedDocument is the extractor output.
type ExtractedDocument struct {
	Text        string            `json:"text"`
	ContentType string            `json:"content_type"`
	Hints       StructuralHints   `json:"hints"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TextChunk is a planned chunk before embedding. Content equals text[Start:End];
// the first Overlap bytes repeat the tail of the previous chunk.
type TextChunk struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Overlap int    `json:"overlap"`
	PageRef int    `json:"page_ref,omitempty"`
	Heading string `json:"heading,omitempty"`
}

// SearchQuery asks for the TopK chunks whose cosine similarity to Embedding
// is at least Threshold, optionally restricted to one document.
type SearchQuery struct {
	Embedding  []float32
	Threshold  float64
	TopK       int
	DocumentID string
}
