package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Ingestor is the job-facing surface of the pipeline used by services and the CLI.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Submit(ctx context.Context, refs []models.DocumentRef) (string, error)
	Status(ctx context.Context, jobID string) (*models.IngestionJob, error)
	Cancel(ctx context.Context, jobID string) error
	Resume(ctx context.Context) (int, error)
	Fatal() <-chan error
}

var _ Ingestor = (*DocumentIngestor)(nil)
