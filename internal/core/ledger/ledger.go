// Package ledger records per-document pipeline progress on disk so an
// interrupted run can continue from the last completed stage.
//
// Each document has one JSON file. Writes go to a temp file in the same
// directory which is synced and renamed over the previous version, so a
// reader only ever sees a whole entry.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var (
	ErrNotFound        = errors.New("ledger entry not found")
	ErrStageRegression = errors.New("ledger stage may not move backwards")
)

// Stage is the last completed pipeline stage of a document.
type Stage string

const (
	StagePending    Stage = "pending"
	StageExtracted  Stage = "extracted"
	StageClassified Stage = "classified"
	StageChunked    Stage = "chunked"
	StageIndexed    Stage = "indexed"
)

var stageRank = map[Stage]int{
	StagePending:    0,
	StageExtracted:  1,
	StageClassified: 2,
	StageChunked:    3,
	StageIndexed:    4,
}

// Rank orders stages; unknown stages rank below pending.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Done reports whether s is at or past other.
func (s Stage) Done(other Stage) bool {
	return s.Rank() >= other.Rank()
}

// Entry is the persisted progress of one document within one job.
//
// Artifacts of completed stages are kept so a resumed run does not repeat them:
// Extracted after StageExtracted, Classification after StageClassified,
// Chunks after StageChunked.
type Entry struct {
	DocumentID     string                       `json:"document_id"`
	JobID          string                       `json:"job_id"`
	Stage          Stage                        `json:"stage"`
	Ref            models.DocumentRef           `json:"ref"`
	Extracted      *models.ExtractedDocument    `json:"extracted,omitempty"`
	Digest         string                       `json:"digest,omitempty"`
	PrevDigest     string                       `json:"prev_digest,omitempty"`
	Classification *models.ClassificationResult `json:"classification,omitempty"`
	CacheHit       bool                         `json:"cache_hit,omitempty"`
	Degraded       bool                         `json:"degraded,omitempty"`
	Strategy       string                       `json:"strategy,omitempty"`
	Chunks         []models.TextChunk           `json:"chunks,omitempty"`
	ChunkCount     int                          `json:"chunk_count,omitempty"`
	TimingsMs      map[string]int64             `json:"timings_ms,omitempty"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

// Ledger is a directory of entries.
type Ledger struct {
	dir string
	mu  sync.Mutex
}

// Open creates dir if needed.
func Open(dir string) (*Ledger, error) {
	if dir == "" {
		return nil, errors.New("ledger directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{dir: dir}, nil
}

func (l *Ledger) Dir() string { return l.dir }

func (l *Ledger) path(documentID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, documentID)
	return filepath.Join(l.dir, name+".json")
}

// Load returns the entry for documentID or ErrNotFound.
func (l *Ledger) Load(documentID string) (*Entry, error) {
	data, err := os.ReadFile(l.path(documentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger entry %s: %w", documentID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode ledger entry %s: %w", documentID, err)
	}
	return &e, nil
}

// Save atomically replaces the entry for e.DocumentID. Within the same job
// the stage may only move forward; a different job starts over.
// I/O failures are returned as *core.LedgerWriteError.
func (l *Ledger) Save(e *Entry) error {
	if e == nil || e.DocumentID == "" {
		return errors.New("ledger entry without document id")
	}
	if e.Stage.Rank() < 0 {
		return fmt.Errorf("unknown ledger stage %q", e.Stage)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, err := l.Load(e.DocumentID); err == nil {
		if cur.JobID == e.JobID && e.Stage.Rank() < cur.Stage.Rank() {
			return fmt.Errorf("%w: %s -> %s", ErrStageRegression, cur.Stage, e.Stage)
		}
	}

	e.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}

	target := l.path(e.DocumentID)
	if err := writeAtomic(l.dir, target, data); err != nil {
		return &core.LedgerWriteError{DocumentID: e.DocumentID, Path: target, Err: err}
	}
	return nil
}

// Delete removes an entry; a missing entry is not an error.
func (l *Ledger) Delete(documentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Remove(l.path(documentID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &core.LedgerWriteError{DocumentID: documentID, Path: l.path(documentID), Err: err}
	}
	return nil
}

// List returns every readable entry. Unreadable files are skipped.
func (l *Ledger) List() ([]*Entry, error) {
	names, err := filepath.Glob(filepath.Join(l.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		e, err := l.Load(strings.TrimSuffix(filepath.Base(name), ".json"))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FindByJob returns the entry written by jobID for the document at path,
// or ErrNotFound.
func (l *Ledger) FindByJob(jobID, path string) (*Entry, error) {
	entries, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.JobID == jobID && e.Ref.Path == path {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".entry-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	ok = true

	// persist the rename itself
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
