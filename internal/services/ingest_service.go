package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var ErrStorageUnavailable = errors.New("object storage is not configured")

// IngestService is the entry point for HTTP and CLI callers that start or
// inspect ingestion jobs.
type IngestService struct {
	ingestor ingestion_engine.Ingestor
	docs     *DocumentService
	logger   *slog.Logger
}

func NewIngestService(ing ingestion_engine.Ingestor, docs *DocumentService) *IngestService {
	return &IngestService{
		ingestor: ing,
		docs:     docs,
		logger:   slog.Default().With("component", "ingest-service"),
	}
}

// Submit starts a job over refs and returns its id immediately.
func (s *IngestService) Submit(ctx context.Context, refs []models.DocumentRef) (string, error) {
	for k := range refs {
		refs[k].Path = strings.TrimSpace(refs[k].Path)
	}
	jobID, err := s.ingestor.Submit(ctx, refs)
	if err != nil {
		return "", err
	}
	s.logger.Info("ingestion job submitted", "job_id", jobID, "documents", len(refs))
	return jobID, nil
}

// Upload is a single uploaded file waiting to be stored and ingested.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
	Metadata    map[string]any
}

// SubmitUpload stores the file in object storage, then starts a job for it.
func (s *IngestService) SubmitUpload(ctx context.Context, up Upload) (jobID, storageURL string, err error) {
	if s.docs == nil {
		return "", "", ErrStorageUnavailable
	}
	storageURL, err = s.docs.Upload(ctx, up.FileName, up.ContentType, up.Data)
	if err != nil {
		return "", "", fmt.Errorf("upload %s: %w", up.FileName, err)
	}
	jobID, err = s.Submit(ctx, []models.DocumentRef{{
		Path:        storageURL,
		FileName:    up.FileName,
		ContentType: up.ContentType,
		Metadata:    up.Metadata,
	}})
	if err != nil {
		return "", storageURL, err
	}
	return jobID, storageURL, nil
}

func (s *IngestService) Status(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	return s.ingestor.Status(ctx, jobID)
}

func (s *IngestService) Cancel(ctx context.Context, jobID string) error {
	if err := s.ingestor.Cancel(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("ingestion job cancellation requested", "job_id", jobID)
	return nil
}
