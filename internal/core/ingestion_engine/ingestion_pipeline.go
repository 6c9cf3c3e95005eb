package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/chunking"
	"github.com/markdave123-py/contexta-ingest/internal/core/classifier"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobs"
	"github.com/markdave123-py/contexta-ingest/internal/core/ledger"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var (
	ErrEmptyBatch  = errors.New("no documents submitted")
	ErrInvalidRef  = errors.New("invalid document reference")
	ErrJobFinished = errors.New("job already finished")
	// ErrJobCancelled wraps context.Canceled so it is reported with the cancelled kind.
	ErrJobCancelled = fmt.Errorf("job cancelled: %w", context.Canceled)
)

// DocumentClassifier is satisfied by *classifier.Classifier.
type DocumentClassifier interface {
	Classify(ctx context.Context, text string, metadata map[string]any) classifier.Result
}

// ChunkIndexer is satisfied by *indexer.Indexer.
type ChunkIndexer interface {
	EmbedAndStore(ctx context.Context, doc *models.Document, chunks []models.TextChunk, cls models.ClassificationResult) (int, error)
}

// CacheInvalidator drops stale classification entries. *cache.Cache implements it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, digest string) error
}

// Observer receives job and stage metrics. *metrics.Collector implements it.
type Observer interface {
	JobTransition(state string)
	StageDuration(stage string, d time.Duration)
	Document(status string)
}

type nopObserver struct{}

func (nopObserver) JobTransition(string)                {}
func (nopObserver) StageDuration(string, time.Duration) {}
func (nopObserver) Document(string)                     {}

// Deps are the collaborators of a DocumentIngestor. Cache and Metrics are optional.
type Deps struct {
	Documents  core.DocumentStore
	Fetcher    *Fetcher
	Extractor  core.DocumentExtractor
	Classifier DocumentClassifier
	Cache      CacheInvalidator
	Router     *chunking.Router
	Indexer    ChunkIndexer
	Ledger     *ledger.Ledger
	Jobs       jobs.Store
	Metrics    Observer
	Logger     *slog.Logger
}

// DocumentIngestor orchestrates the background ingestion pipeline:
//
// jobs:     job state, polled by clients and re-read for the cancel flag.
// queue:    job ids waiting for a worker.
// pool:     shared document workers; bounds concurrent documents across jobs.
// ledger:   per-document stage record used to resume after a crash.
type DocumentIngestor struct {
	docs       core.DocumentStore
	fetcher    *Fetcher
	extractor  core.DocumentExtractor
	classifier DocumentClassifier
	cache      CacheInvalidator
	router     *chunking.Router
	indexer    ChunkIndexer
	ledger     *ledger.Ledger
	jobs       jobs.Store
	metrics    Observer
	logger     *slog.Logger

	cfg   IngestConfig
	queue chan string
	pool  *ants.Pool
	done  chan struct{}

	workers   sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	halted    atomic.Bool
	fatal     chan error
	fatalOnce sync.Once
}

// NewDocumentIngestor constructs the ingestor; call Start to run workers.
func NewDocumentIngestor(deps Deps, cfg IngestConfig) (*DocumentIngestor, error) {
	var missing []string
	if deps.Documents == nil {
		missing = append(missing, "documents")
	}
	if deps.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if deps.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if deps.Indexer == nil {
		missing = append(missing, "indexer")
	}
	if deps.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if deps.Jobs == nil {
		missing = append(missing, "jobs")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("ingestor: missing %s", strings.Join(missing, ", "))
	}

	cfg = cfg.withDefaults()
	i := &DocumentIngestor{
		docs:       deps.Documents,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		cache:      deps.Cache,
		router:     deps.Router,
		indexer:    deps.Indexer,
		ledger:     deps.Ledger,
		jobs:       deps.Jobs,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		queue:      make(chan string, cfg.QueueSize),
		done:       make(chan struct{}),
		fatal:      make(chan error, 1),
	}
	if i.fetcher == nil {
		i.fetcher = NewFetcher(nil, 0)
	}
	if i.router == nil {
		i.router = NewDefaultRouter(cfg.Chunking)
	}
	if i.metrics == nil {
		i.metrics = nopObserver{}
	}
	if i.logger == nil {
		i.logger = slog.Default().With("component", "ingestor")
	}

	pool, err := ants.NewPool(cfg.DocConcurrency, ants.WithPanicHandler(func(p any) {
		i.logger.Error("document worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create document pool: %w", err)
	}
	i.pool = pool
	return i, nil
}

// Start launches numWorkers job workers (cfg.Workers when <= 0). Workers
// stop when ctx is done; a job interrupted that way stays active and is
// picked up again by Resume.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = i.cfg.Workers
	}
	i.startOnce.Do(func() {
		for w := 1; w <= numWorkers; w++ {
			i.workers.Add(1)
			go func(w int) {
				defer i.workers.Done()
				for {
					select {
					case <-ctx.Done():
						i.logger.Debug("worker shutting down", "worker", w)
						return
					case <-i.done:
						return
					case jobID := <-i.queue:
						i.logger.Info("processing job", "job_id", jobID, "worker", w)
						i.runJob(ctx, jobID)
					}
				}
			}(w)
		}
	})
}

// Close stops accepting queued jobs, waits for workers and releases the pool.
// Cancel the Start context first so in-flight jobs stop between stages.
func (i *DocumentIngestor) Close() {
	i.closeOnce.Do(func() {
		close(i.done)
		i.workers.Wait()
		i.pool.Release()
	})
}

// Fatal delivers the first ledger write failure. Intake is halted from then on.
func (i *DocumentIngestor) Fatal() <-chan error { return i.fatal }

// Halted reports whether intake stopped after a fatal error.
func (i *DocumentIngestor) Halted() bool { return i.halted.Load() }

func (i *DocumentIngestor) halt(err error) {
	i.halted.Store(true)
	i.fatalOnce.Do(func() {
		i.logger.Error("state ledger write failed; halting intake", "error", err)
		i.fatal <- err
	})
}

// Submit validates refs, persists a PENDING job and enqueues it without blocking.
func (i *DocumentIngestor) Submit(ctx context.Context, refs []models.DocumentRef) (string, error) {
	if i.halted.Load() {
		return "", core.ErrIntakeHalted
	}
	if len(refs) == 0 {
		return "", ErrEmptyBatch
	}
	for n, r := range refs {
		if strings.TrimSpace(r.Path) == "" {
			return "", fmt.Errorf("%w: document %d has no path", ErrInvalidRef, n)
		}
	}

	job := &models.IngestionJob{
		ID:        uuid.NewString(),
		State:     models.JobPending,
		Documents: make([]models.DocumentOutcome, len(refs)),
	}
	for n, r := range refs {
		job.Documents[n] = models.DocumentOutcome{Ref: r, Status: models.OutcomePending}
	}
	if err := i.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	i.metrics.JobTransition(string(models.JobPending))
	i.logger.Info("job submitted", "job_id", job.ID, "documents", len(refs))

	i.enqueue(job.ID)
	return job.ID, nil
}

func (i *DocumentIngestor) enqueue(jobID string) {
	select {
	case i.queue <- jobID:
	default:
		go func() {
			select {
			case i.queue <- jobID:
			case <-i.done:
			}
		}()
	}
}

// Status returns the job; unknown and expired ids yield core.ErrJobNotFound.
func (i *DocumentIngestor) Status(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	return i.jobs.Get(ctx, jobID)
}

// Cancel raises the job's cancellation flag. Running documents stop before
// their next stage.
func (i *DocumentIngestor) Cancel(ctx context.Context, jobID string) error {
	job, err := i.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrJobFinished
	}
	if err := i.jobs.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	i.logger.Info("job cancellation requested", "job_id", jobID)
	return nil
}

// Resume re-enqueues every non-terminal job, typically once at startup.
func (i *DocumentIngestor) Resume(ctx context.Context) (int, error) {
	active, err := i.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		i.enqueue(job.ID)
	}
	if len(active) > 0 {
		i.logger.Info("resuming active jobs", "count", len(active))
	}
	return len(active), nil
}

// Wait polls until the job is terminal.
func (i *DocumentIngestor) Wait(ctx context.Context, jobID string, every time.Duration) (*models.IngestionJob, error) {
	if every <= 0 {
		every = 200 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		job, err := i.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

// runJob drives one job through attempts until it reaches a terminal state,
// or returns early when ctx ends.
func (i *DocumentIngestor) runJob(ctx context.Context, jobID string) {
	job, err := i.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			i.logger.Warn("queued job no longer exists", "job_id", jobID)
		} else {
			i.logger.Error("load job", "job_id", jobID, "error", err)
		}
		return
	}
	if job.State.Terminal() {
		return
	}
	log := i.logger.With("job_id", jobID)

	for {
		if i.halted.Load() {
			i.finish(ctx, job, &models.ErrorPayload{Kind: core.KindLedgerWrite, Message: core.ErrIntakeHalted.Error()})
			return
		}
		if job.CancelRequested {
			i.finish(ctx, job, cancelledPayload(job))
			return
		}

		job.Attempts++
		i.transition(ctx, job, models.JobStarted)
		i.runDocuments(ctx, job)

		if ctx.Err() != nil {
			log.Info("job interrupted; it will resume on restart", "attempt", job.Attempts)
			return
		}
		if i.halted.Load() {
			i.finish(ctx, job, &models.ErrorPayload{Kind: core.KindLedgerWrite, Message: core.ErrIntakeHalted.Error()})
			return
		}
		if i.cancelRequested(ctx, jobID) {
			i.finish(ctx, job, cancelledPayload(job))
			return
		}

		retryable := transientFailures(job)
		if len(retryable) == 0 || job.Attempts >= i.cfg.JobMaxAttempts {
			i.finish(ctx, job, nil)
			return
		}

		i.transition(ctx, job, models.JobRetry)
		delay := i.cfg.JobRetry.Delay(job.Attempts-1, 0)
		log.Warn("retrying job after transient failures", "documents", len(retryable), "attempt", job.Attempts, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		for _, n := range retryable {
			d := &job.Documents[n]
			d.Status = models.OutcomePending
			d.Error = nil
			d.Transient = false
		}
		if fresh, err := i.jobs.Get(ctx, jobID); err == nil {
			job.CancelRequested = fresh.CancelRequested
		}
	}
}

// runDocuments processes every pending document of job on the shared pool.
// Outcomes are published after every ledger save and again when they land.
func (i *DocumentIngestor) runDocuments(ctx context.Context, job *models.IngestionJob) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	// A resumed or retried run may hold outcomes whose document id was
	// never published.
	lookup := job.Attempts > 1
	publish := func(n int, out models.DocumentOutcome) {
		mu.Lock()
		defer mu.Unlock()
		job.Documents[n] = out
		if ctx.Err() != nil {
			return
		}
		if err := i.jobs.Update(ctx, job); err != nil {
			i.logger.Warn("publish document outcome", "job_id", job.ID, "error", err)
		}
	}

	for n := range job.Documents {
		if job.Documents[n].Status != models.OutcomePending {
			continue
		}
		n, prev := n, job.Documents[n]
		wg.Add(1)
		err := i.pool.Submit(func() {
			defer wg.Done()
			progress := func(out models.DocumentOutcome) { publish(n, out) }
			publish(n, i.safeProcess(ctx, job.ID, prev, lookup, progress))
		})
		if err != nil {
			wg.Done()
			publish(n, failedOutcome(prev, "schedule", fmt.Errorf("schedule document: %w", err)))
		}
	}
	wg.Wait()
}

func (i *DocumentIngestor) safeProcess(ctx context.Context, jobID string, prev models.DocumentOutcome, lookup bool, progress func(models.DocumentOutcome)) (out models.DocumentOutcome) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("document processing panicked", "job_id", jobID, "path", prev.Ref.Path, "panic", r)
			out = failedOutcome(prev, "", fmt.Errorf("panic: %v", r))
			i.metrics.Document(models.OutcomeFailed)
		}
	}()
	return i.processDocument(ctx, jobID, prev, lookup, progress)
}

func (i *DocumentIngestor) transition(ctx context.Context, job *models.IngestionJob, state models.JobState) {
	job.State = state
	if err := i.jobs.Update(ctx, job); err != nil {
		i.logger.Warn("update job state", "job_id", job.ID, "state", state, "error", err)
	}
	i.metrics.JobTransition(string(state))
}

// finish moves job to its terminal state. A non-nil failure forces FAILURE;
// otherwise the job succeeds when at least one document was ingested.
func (i *DocumentIngestor) finish(ctx context.Context, job *models.IngestionJob, failure *models.ErrorPayload) {
	for n := range job.Documents {
		d := &job.Documents[n]
		if d.Status == models.OutcomePending && failure != nil {
			d.Status = models.OutcomeCancelled
			if failure.Kind != core.KindCancelled {
				d.Status = models.OutcomeFailed
			}
			d.Error = failure
		}
	}

	job.Result = summarize(job)
	switch {
	case failure != nil:
		job.State = models.JobFailure
		job.Error = failure
	case job.Result.Succeeded > 0:
		job.State = models.JobSuccess
		job.Error = nil
	default:
		job.State = models.JobFailure
		job.Error = firstDocumentError(job)
	}

	if err := i.jobs.Update(ctx, job); err != nil {
		i.logger.Error("store terminal job state", "job_id", job.ID, "state", job.State, "error", err)
	}
	i.metrics.JobTransition(string(job.State))
	i.logger.Info("job finished",
		"job_id", job.ID, "state", job.State, "attempts", job.Attempts,
		"succeeded", job.Result.Succeeded, "failed", job.Result.Failed, "chunks", job.Result.ChunkCount)
}

func (i *DocumentIngestor) cancelRequested(ctx context.Context, jobID string) bool {
	job, err := i.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.CancelRequested
}

func cancelledPayload(job *models.IngestionJob) *models.ErrorPayload {
	return &models.ErrorPayload{Kind: core.KindCancelled, Message: "job " + job.ID + " was cancelled"}
}

func transientFailures(job *models.IngestionJob) []int {
	var out []int
	for n, d := range job.Documents {
		if d.Status == models.OutcomeFailed && d.Transient {
			out = append(out, n)
		}
	}
	return out
}

func summarize(job *models.IngestionJob) *models.JobResult {
	res := &models.JobResult{
		DocumentsTotal: len(job.Documents),
		StageTimingsMs: map[string]int64{},
	}
	for _, d := range job.Documents {
		switch d.Status {
		case models.OutcomeSucceeded:
			res.Succeeded++
		case models.OutcomeFailed, models.OutcomeCancelled:
			res.Failed++
		}
		res.ChunkCount += d.ChunkCount
		for stage, ms := range d.StageTimingsMs {
			res.StageTimingsMs[stage] += ms
		}
	}
	return res
}

func firstDocumentError(job *models.IngestionJob) *models.ErrorPayload {
	for _, d := range job.Documents {
		if d.Error != nil {
			return d.Error
		}
	}
	return &models.ErrorPayload{Kind: core.KindInternal, Message: "no document was ingested"}
}

func failedOutcome(prev models.DocumentOutcome, stage string, err error) models.DocumentOutcome {
	prev.Status = models.OutcomeFailed
	prev.Error = core.Payload(err, stage)
	prev.Transient = core.IsTransient(err)
	return prev
}
