// Package jobs persists ingestion job state for pollers.
//
// Jobs in a terminal state are kept for the retention window and then
// disappear; an expired job reads exactly like one that never existed.
package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Store is the job state backend.
type Store interface {
	Create(ctx context.Context, job *models.IngestionJob) error
	// Get returns core.ErrJobNotFound for unknown and expired jobs.
	Get(ctx context.Context, id string) (*models.IngestionJob, error)
	// Update replaces the job. Terminal jobs get ExpiresAt set and start
	// their retention countdown.
	Update(ctx context.Context, job *models.IngestionJob) error
	// RequestCancel raises the cancellation flag independently of Update so
	// a concurrent worker write cannot drop it.
	RequestCancel(ctx context.Context, id string) error
	// ListActive returns jobs that have not reached a terminal state.
	ListActive(ctx context.Context) ([]*models.IngestionJob, error)
}

// DefaultRetention is how long finished jobs stay readable.
const DefaultRetention = 24 * time.Hour

func clone(job *models.IngestionJob) (*models.IngestionJob, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var out models.IngestionJob
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	// transient flags are not serialized
	for i := range job.Documents {
		if i < len(out.Documents) {
			out.Documents[i].Transient = job.Documents[i].Transient
		}
	}
	return &out, nil
}

func stamp(job *models.IngestionJob, now time.Time, retention time.Duration) {
	job.UpdatedAt = now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.State.Terminal() {
		if job.ExpiresAt == nil {
			exp := now.Add(retention)
			job.ExpiresAt = &exp
		}
	} else {
		job.ExpiresAt = nil
	}
}

// MemoryStore keeps jobs in process. Used by the CLI and tests.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.IngestionJob
	cancels   map[string]bool
	retention time.Duration
	now       func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(retention time.Duration, opts ...MemoryOption) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &MemoryStore{
		jobs:      make(map[string]*models.IngestionJob),
		cancels:   make(map[string]bool),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, job *models.IngestionJob) error {
	c, err := clone(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(c, s.now(), s.retention)
	job.CreatedAt, job.UpdatedAt, job.ExpiresAt = c.CreatedAt, c.UpdatedAt, c.ExpiresAt
	s.jobs[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.live(id)
	if !ok {
		return nil, core.ErrJobNotFound
	}
	c, err := clone(job)
	if err != nil {
		return nil, err
	}
	c.CancelRequested = c.CancelRequested || s.cancels[id]
	return c, nil
}

// live returns the job unless it is missing or expired. Caller holds mu.
func (s *MemoryStore) live(id string) (*models.IngestionJob, bool) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	if job.ExpiresAt != nil && !s.now().Before(*job.ExpiresAt) {
		delete(s.jobs, id)
		delete(s.cancels, id)
		return nil, false
	}
	return job, true
}

func (s *MemoryStore) Update(_ context.Context, job *models.IngestionJob) error {
	c, err := clone(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(job.ID); !ok {
		return core.ErrJobNotFound
	}
	stamp(c, s.now(), s.retention)
	job.UpdatedAt, job.ExpiresAt = c.UpdatedAt, c.ExpiresAt
	s.jobs[c.ID] = c
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(id); !ok {
		return core.ErrJobNotFound
	}
	s.cancels[id] = true
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.IngestionJob
	for id, job := range s.jobs {
		if job.State.Terminal() {
			continue
		}
		c, err := clone(job)
		if err != nil {
			return nil, err
		}
		c.CancelRequested = c.CancelRequested || s.cancels[id]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
