package ingestion_engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/classifier"
	"github.com/markdave123-py/contexta-ingest/internal/core/ledger"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Stage names used in timings, metrics and error payloads.
const (
	StageFetch    = "fetch"
	StageExtract  = "extract"
	StageClassify = "classify"
	StageChunk    = "chunk"
	StageIndex    = "index"
)

// docRun carries one document through the stages of one job attempt.
type docRun struct {
	i      *DocumentIngestor
	jobID  string
	out    models.DocumentOutcome
	stage  string
	entry  *ledger.Entry
	doc    *models.Document
	src    *Source
	logger *slog.Logger

	// lookup allows begin to find this job's ledger entry by path when the
	// job record never learned the document id.
	lookup bool
	// progress publishes the outcome after every ledger save.
	progress func(models.DocumentOutcome)
}

// processDocument runs the remaining stages for one document. The ledger is
// saved after every stage so a restarted process continues where this one stopped.
func (i *DocumentIngestor) processDocument(ctx context.Context, jobID string, prev models.DocumentOutcome, lookup bool, progress func(models.DocumentOutcome)) models.DocumentOutcome {
	out := prev
	out.Error = nil
	out.Transient = false
	if out.StageTimingsMs == nil {
		out.StageTimingsMs = map[string]int64{}
	}
	r := &docRun{
		i:        i,
		jobID:    jobID,
		out:      out,
		logger:   i.logger.With("job_id", jobID, "path", prev.Ref.Path),
		lookup:   lookup,
		progress: progress,
	}
	return r.finish(ctx, r.execute(ctx))
}

func (r *docRun) execute(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return err
	}
	if !r.entry.Stage.Done(ledger.StageExtracted) {
		if err := r.extract(ctx); err != nil {
			return err
		}
	}
	if !r.entry.Stage.Done(ledger.StageClassified) {
		if err := r.classify(ctx); err != nil {
			return err
		}
	}
	if !r.entry.Stage.Done(ledger.StageChunked) {
		if err := r.chunk(ctx); err != nil {
			return err
		}
	}
	if !r.entry.Stage.Done(ledger.StageIndexed) {
		if err := r.index(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint runs before every stage.
func (r *docRun) checkpoint(ctx context.Context, stage string) error {
	r.stage = stage
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.i.halted.Load() {
		return core.ErrIntakeHalted
	}
	if r.i.cancelRequested(ctx, r.jobID) {
		return ErrJobCancelled
	}
	return nil
}

func (r *docRun) observe(stage string, start time.Time) {
	d := time.Since(start)
	r.out.StageTimingsMs[stage] += d.Milliseconds()
	r.i.metrics.StageDuration(stage, d)
}

// begin resolves the document identity and its ledger entry. An entry left
// by this job is resumed; an entry from an earlier job only contributes its
// digest so a stale cache entry can be dropped.
func (r *docRun) begin(ctx context.Context) error {
	if err := r.checkpoint(ctx, StageFetch); err != nil {
		return err
	}

	if r.out.DocumentID == "" && r.lookup {
		if entry, err := r.i.ledger.FindByJob(r.jobID, r.out.Ref.Path); err == nil {
			r.out.DocumentID = entry.DocumentID
		}
	}

	if id := r.out.DocumentID; id != "" {
		entry, err := r.i.ledger.Load(id)
		switch {
		case err == nil && entry.JobID == r.jobID:
			doc, derr := r.i.docs.GetDocumentByID(ctx, id)
			if derr == nil {
				r.entry, r.doc = entry, doc
				r.logger = r.logger.With("document_id", id)
				r.logger.Info("resuming document from ledger", "stage", entry.Stage)
				return nil
			}
			if !errors.Is(derr, core.ErrDocumentNotFound) {
				return core.Transient(fmt.Errorf("load document %s: %w", id, derr))
			}
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			r.logger.Warn("unreadable ledger entry; starting over", "document_id", id, "error", err)
		}
	}

	if err := r.fetch(ctx); err != nil {
		return err
	}

	sum := sha256.Sum256(r.src.Data)
	doc, err := r.i.docs.UpsertDocument(ctx, &models.Document{
		FileName:    r.src.FileName,
		StorageURL:  r.out.Ref.Path,
		SourceType:  r.src.SourceType,
		ContentType: ResolveContentType(r.src.ContentType, r.src.FileName, r.src.Data),
		ContentHash: hex.EncodeToString(sum[:]),
		Status:      models.DocumentPending,
		Metadata:    r.out.Ref.Metadata,
	})
	if err != nil {
		return core.Transient(fmt.Errorf("upsert document: %w", err))
	}
	r.doc = doc
	r.out.DocumentID = doc.ID
	r.logger = r.logger.With("document_id", doc.ID)

	entry := &ledger.Entry{DocumentID: doc.ID, JobID: r.jobID, Stage: ledger.StagePending, Ref: r.out.Ref}
	if prev, err := r.i.ledger.Load(doc.ID); err == nil {
		if prev.JobID == r.jobID {
			entry = prev
		} else {
			entry.PrevDigest = prev.Digest
		}
	}
	r.entry = entry

	if err := r.i.docs.UpdateDocumentStatus(ctx, doc.ID, models.DocumentProcessing); err != nil {
		r.logger.Warn("mark document processing", "error", err)
	}
	return r.save()
}

func (r *docRun) fetch(ctx context.Context) error {
	start := time.Now()
	src, err := r.i.fetcher.Fetch(ctx, r.out.Ref)
	r.observe(StageFetch, start)
	if err != nil {
		return err
	}
	r.src = src
	return nil
}

func (r *docRun) extract(ctx context.Context) error {
	if err := r.checkpoint(ctx, StageExtract); err != nil {
		return err
	}
	if r.src == nil {
		if err := r.fetch(ctx); err != nil {
			return err
		}
		r.stage = StageExtract
	}

	start := time.Now()
	ext, err := r.i.extractor.Extract(ctx, r.src.Data, r.src.ContentType, r.src.FileName)
	r.observe(StageExtract, start)
	if err != nil {
		return err
	}

	r.entry.Extracted = ext
	r.entry.Stage = ledger.StageExtracted
	return r.save()
}

func (r *docRun) classify(ctx context.Context) error {
	if err := r.checkpoint(ctx, StageClassify); err != nil {
		return err
	}
	if r.entry.Extracted == nil {
		return fmt.Errorf("ledger entry for %s has no extracted text", r.entry.DocumentID)
	}

	start := time.Now()
	res := r.i.classifier.Classify(ctx, r.entry.Extracted.Text, r.out.Ref.Metadata)
	r.observe(StageClassify, start)

	switch res.Outcome {
	case classifier.OutcomeFatal:
		if res.Err != nil {
			return res.Err
		}
		return context.Canceled
	case classifier.OutcomeFallback:
		r.logger.Warn("classification degraded", "reason", res.Reason)
	}

	if prev := r.entry.PrevDigest; prev != "" && prev != res.Digest && r.i.cache != nil {
		if err := r.i.cache.Invalidate(ctx, prev); err != nil {
			r.logger.Warn("invalidate stale classification", "digest", prev, "error", err)
		}
	}

	cls := res.Classification
	r.entry.Classification = &cls
	r.entry.Digest = res.Digest
	r.entry.CacheHit = res.CacheHit
	r.entry.Degraded = res.Outcome == classifier.OutcomeFallback
	r.entry.Stage = ledger.StageClassified
	return r.save()
}

func (r *docRun) chunk(ctx context.Context) error {
	if err := r.checkpoint(ctx, StageChunk); err != nil {
		return err
	}
	if r.entry.Extracted == nil || r.entry.Classification == nil {
		return fmt.Errorf("ledger entry for %s is missing earlier stage output", r.entry.DocumentID)
	}

	start := time.Now()
	ext, cls := r.entry.Extracted, r.entry.Classification
	routed := r.i.router.Chunk(cls.Category, ext.Text, ext.Hints)
	r.observe(StageChunk, start)
	if routed.FellBack && routed.Err != nil {
		r.logger.Warn("chunking strategy fell back", "category", cls.Category, "strategy", routed.Strategy, "error", routed.Err)
	}

	r.entry.Chunks = routed.Chunks
	r.entry.Strategy = routed.Strategy
	r.entry.Stage = ledger.StageChunked
	if err := r.save(); err != nil {
		return err
	}

	if err := r.i.docs.UpdateDocumentClassification(ctx, r.doc.ID, cls.Category, routed.Strategy); err != nil {
		r.logger.Warn("record document classification", "error", err)
	}
	return nil
}

func (r *docRun) index(ctx context.Context) error {
	if err := r.checkpoint(ctx, StageIndex); err != nil {
		return err
	}
	if r.entry.Classification == nil {
		return fmt.Errorf("ledger entry for %s has no classification", r.entry.DocumentID)
	}

	doc := *r.doc
	doc.Category = r.entry.Classification.Category
	doc.Strategy = r.entry.Strategy

	start := time.Now()
	n, err := r.i.indexer.EmbedAndStore(ctx, &doc, r.entry.Chunks, *r.entry.Classification)
	r.observe(StageIndex, start)
	r.out.ChunkCount = n
	if err != nil {
		return err
	}

	r.entry.ChunkCount = n
	r.entry.Stage = ledger.StageIndexed
	if err := r.save(); err != nil {
		return err
	}
	if err := r.i.docs.UpdateDocumentStatus(ctx, r.doc.ID, models.DocumentCompleted); err != nil {
		r.logger.Warn("mark document completed", "error", err)
	}
	return nil
}

// save persists the entry. A write failure halts intake.
func (r *docRun) save() error {
	r.entry.TimingsMs = r.out.StageTimingsMs
	if err := r.i.ledger.Save(r.entry); err != nil {
		var lw *core.LedgerWriteError
		if errors.As(err, &lw) {
			r.i.halt(err)
		}
		return err
	}
	r.out.Stage = string(r.entry.Stage)
	if r.progress != nil {
		snap := r.out
		snap.StageTimingsMs = maps.Clone(r.out.StageTimingsMs)
		r.progress(snap)
	}
	return nil
}

func (r *docRun) finish(ctx context.Context, err error) models.DocumentOutcome {
	out := r.out
	if e := r.entry; e != nil {
		out.Stage = string(e.Stage)
		out.Strategy = e.Strategy
		out.CacheHit = e.CacheHit
		out.Degraded = e.Degraded
		if e.Classification != nil {
			out.Category = e.Classification.Category
		}
		if e.Stage == ledger.StageIndexed {
			out.ChunkCount = e.ChunkCount
		}
	}

	switch {
	case err == nil:
		out.Status = models.OutcomeSucceeded
		r.i.metrics.Document(models.OutcomeSucceeded)
		r.logger.Info("document ingested",
			"category", out.Category, "strategy", out.Strategy, "chunks", out.ChunkCount, "cache_hit", out.CacheHit)

	case ctx.Err() != nil:
		// Shutdown: leave the document pending for the resumed run.
		out.Status = models.OutcomePending
		r.logger.Info("document interrupted", "stage", r.stage)

	case errors.Is(err, ErrJobCancelled):
		out.Status = models.OutcomeCancelled
		out.Error = &models.ErrorPayload{Kind: core.KindCancelled, Stage: r.stage, Message: err.Error()}
		r.i.metrics.Document(models.OutcomeCancelled)
		r.logger.Info("document cancelled", "stage", r.stage)

	default:
		out.Status = models.OutcomeFailed
		out.Error = core.Payload(err, r.stage)
		out.Transient = core.IsTransient(err)
		r.i.metrics.Document(models.OutcomeFailed)
		r.logger.Error("document failed", "stage", r.stage, "kind", out.Error.Kind, "transient", out.Transient, "error", err)
		if r.doc != nil {
			if uerr := r.i.docs.UpdateDocumentStatus(ctx, r.doc.ID, models.DocumentFailed); uerr != nil {
				r.logger.Warn("mark document failed", "error", uerr)
			}
		}
	}
	return out
}
