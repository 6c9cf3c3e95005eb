package models

import "time"

// JobState is the lifecycle state of an IngestionJob.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobStarted JobState = "STARTED"
	JobRetry   JobState = "RETRY"
	JobSuccess JobState = "SUCCESS"
	JobFailure JobState = "FAILURE"
)

// Terminal reports whether no further transitions happen from s.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

// DocumentRef points at a source file to ingest: a local path or an s3:// URL.
type DocumentRef struct {
	Path        string         `json:"path"`
	FileName    string         `json:"file_name,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ErrorPayload is the structured error reported to pollers.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// Document outcome status values.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// DocumentOutcome is the per-document line of a job's breakdown.
type DocumentOutcome struct {
	Ref            DocumentRef      `json:"ref"`
	DocumentID     string           `json:"document_id,omitempty"`
	Status         string           `json:"status"`
	Stage          string           `json:"stage,omitempty"` // last completed stage
	Category       string           `json:"category,omitempty"`
	Strategy       string           `json:"strategy,omitempty"`
	CacheHit       bool             `json:"cache_hit"`
	Degraded       bool             `json:"degraded,omitempty"` // classification fell back
	ChunkCount     int              `json:"chunk_count"`
	StageTimingsMs map[string]int64 `json:"stage_timings_ms,omitempty"`
	Error          *ErrorPayload    `json:"error,omitempty"`
	Transient      bool             `json:"-"`
}

// JobResult aggregates a finished job.
type JobResult struct {
	DocumentsTotal int              `json:"documents_total"`
	Succeeded      int              `json:"succeeded"`
	Failed         int              `json:"failed"`
	ChunkCount     int              `json:"chunk_count"`
	StageTimingsMs map[string]int64 `json:"stage_timings_ms"`
}

// IngestionJob is one asynchronous pipeline run over a batch of documents.
type IngestionJob struct {
	ID              string            `json:"job_id"`
	State           JobState          `json:"state"`
	Documents       []DocumentOutcome `json:"documents"`
	Result          *JobResult        `json:"result,omitempty"`
	Error           *ErrorPayload     `json:"error,omitempty"`
	Attempts        int               `json:"attempts"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
}
