package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core/chunking"
	"github.com/markdave123-py/contexta-ingest/internal/core/classifier"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

// IngestConfig tunes the orchestrator.
//
// Workers:         jobs processed concurrently.
// DocConcurrency:  documents processed concurrently across all jobs.
// QueueSize:       buffered job ids before Submit spills to a goroutine.
// JobMaxAttempts:  runs of a job when documents fail transiently (first run included).
// JobRetry:        delay between job-level attempts.
// Chunking:        size and overlap handed to every chunking strategy.
type IngestConfig struct {
	Workers        int
	DocConcurrency int
	QueueSize      int
	JobMaxAttempts int
	JobRetry       retry.Policy
	Chunking       chunking.Config
}

// DefaultIngestConfig returns the defaults used when a field is zero.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Workers:        2,
		DocConcurrency: 4,
		QueueSize:      256,
		JobMaxAttempts: 3,
		JobRetry:       retry.Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 3},
		Chunking:       chunking.DefaultConfig(),
	}
}

func (c IngestConfig) withDefaults() IngestConfig {
	d := DefaultIngestConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.DocConcurrency <= 0 {
		c.DocConcurrency = d.DocConcurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.JobMaxAttempts <= 0 {
		c.JobMaxAttempts = d.JobMaxAttempts
	}
	if c.JobRetry.BaseDelay <= 0 || c.JobRetry.MaxDelay <= 0 {
		c.JobRetry = d.JobRetry
	}
	if c.Chunking.Size <= 0 {
		c.Chunking = d.Chunking
	}
	return c
}

// DefaultRoutes maps each category to its chunking strategy:
// structured documents split on headings and pages, narrative text splits
// recursively on paragraph and sentence breaks, tabular data keeps rows whole.
// CategoryUnclassified has no route and lands on the fallback.
func DefaultRoutes(cfg chunking.Config) map[string]chunking.Strategy {
	return map[string]chunking.Strategy{
		classifier.CategoryStructured: chunking.NewStructure(cfg),
		classifier.CategoryNarrative:  chunking.NewRecursive(cfg),
		classifier.CategoryTabular:    chunking.NewLines(cfg),
	}
}

// NewDefaultRouter wires DefaultRoutes with the fixed-size fallback.
func NewDefaultRouter(cfg chunking.Config) *chunking.Router {
	return chunking.NewRouter(DefaultRoutes(cfg), chunking.NewFallback(cfg))
}
