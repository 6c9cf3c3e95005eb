package services

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type DocumentService struct {
	db      core.DocumentStore
	storage core.ObjectClient
	bucket  string
}

func NewDocumentService(db core.DocumentStore, storage core.ObjectClient, bucket string) *DocumentService {
	return &DocumentService{db: db, storage: storage, bucket: bucket}
}

// Upload stores raw file bytes and returns the object URL the pipeline fetches from.
func (s *DocumentService) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if s.storage == nil {
		return "", ErrStorageUnavailable
	}
	return s.storage.UploadFile(ctx, s.bucket, s.objectKey(uuid.NewString(), filename), data, contentType)
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.db.GetDocumentByID(ctx, id)
}

func (s *DocumentService) List(ctx context.Context, limit, offset int) ([]models.Document, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListDocuments(ctx, limit, offset)
}

// Archive hides a document from listings without deleting its chunks.
func (s *DocumentService) Archive(ctx context.Context, id string) (*models.Document, error) {
	if err := s.db.UpdateDocumentStatus(ctx, id, models.DocumentArchived); err != nil {
		return nil, err
	}
	return s.db.GetDocumentByID(ctx, id)
}

// objectKey creates a consistent S3 key layout.
func (s *DocumentService) objectKey(uploadID, filename string) string {
	filename = path.Base(strings.TrimSpace(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	if filename == "." || filename == "/" || filename == "" {
		filename = "document"
	}
	return path.Join("uploads", uploadID, filename)
}
