package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

func TestSaveAndLoad(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	e := &Entry{
		DocumentID: "doc-1",
		JobID:      "job-1",
		Stage:      StageExtracted,
		Ref:        models.DocumentRef{Path: "/tmp/a.txt"},
		Extracted: &models.ExtractedDocument{
			Text:  "page one\fpage two",
			Hints: models.StructuralHints{Pages: []models.TextSpan{{Start: 0, End: 9}, {Start: 9, End: 17}}},
		},
	}
	require.NoError(t, l.Save(e))

	got, err := l.Load("doc-1")
	require.NoError(t, err)
	assert.Equal(t, StageExtracted, got.Stage)
	assert.Equal(t, e.Extracted.Text, got.Extracted.Text)
	assert.Equal(t, e.Extracted.Hints.Pages, got.Extracted.Hints.Pages)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestLoadMissing(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = l.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStageOnlyMovesForwardWithinJob(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Save(&Entry{DocumentID: "d", JobID: "j1", Stage: StageChunked}))

	err = l.Save(&Entry{DocumentID: "d", JobID: "j1", Stage: StageClassified})
	assert.ErrorIs(t, err, ErrStageRegression)

	got, err := l.Load("d")
	require.NoError(t, err)
	assert.Equal(t, StageChunked, got.Stage)

	// a new job starts over
	require.NoError(t, l.Save(&Entry{DocumentID: "d", JobID: "j2", Stage: StagePending}))
	got, err = l.Load("d")
	require.NoError(t, err)
	assert.Equal(t, StagePending, got.Stage)
	assert.Equal(t, "j2", got.JobID)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	for _, s := range []Stage{StagePending, StageExtracted, StageClassified, StageChunked, StageIndexed} {
		require.NoError(t, l.Save(&Entry{DocumentID: "d", JobID: "j", Stage: s}))
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "d.json", files[0].Name())
}

func TestInterruptedWriteKeepsPreviousEntry(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Save(&Entry{DocumentID: "d", JobID: "j", Stage: StageClassified}))

	// a crash between temp write and rename leaves a stray temp file
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".entry-123.tmp"), []byte(`{"stage":"ind`), 0o644))

	reopened, err := Open(dir)
	require.NoError(t, err)
	got, err := reopened.Load("d")
	require.NoError(t, err)
	assert.Equal(t, StageClassified, got.Stage)

	all, err := reopened.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWriteFailureIsLedgerWriteError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	err = l.Save(&Entry{DocumentID: "d", JobID: "j", Stage: StagePending})

	var lw *core.LedgerWriteError
	require.ErrorAs(t, err, &lw)
	assert.Equal(t, "d", lw.DocumentID)
	assert.Equal(t, core.KindLedgerWrite, core.ErrorKind(err))
}

func TestDocumentIDIsSanitized(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.Save(&Entry{DocumentID: "../escape", JobID: "j", Stage: StagePending}))

	_, err = os.Stat(filepath.Join(dir, ".._escape.json"))
	assert.NoError(t, err)
	got, err := l.Load("../escape")
	require.NoError(t, err)
	assert.Equal(t, "../escape", got.DocumentID)
}

func TestConcurrentSaves(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, l.Save(&Entry{DocumentID: id, JobID: "j", Stage: StageIndexed}))
		}(i)
	}
	wg.Wait()

	all, err := l.List()
	require.NoError(t, err)
	assert.Len(t, all, 16)
}

func TestDelete(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Save(&Entry{DocumentID: "d", JobID: "j", Stage: StagePending}))

	require.NoError(t, l.Delete("d"))
	require.NoError(t, l.Delete("d"))
	_, err = l.Load("d")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStageDone(t *testing.T) {
	assert.True(t, StageChunked.Done(StageClassified))
	assert.True(t, StageChunked.Done(StageChunked))
	assert.False(t, StageExtracted.Done(StageIndexed))
	assert.Equal(t, -1, Stage("bogus").Rank())
}

func TestFindByJob(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Save(&Entry{DocumentID: "doc-1", JobID: "job-1", Stage: StagePending, Ref: models.DocumentRef{Path: "/a.txt"}}))
	require.NoError(t, l.Save(&Entry{DocumentID: "doc-2", JobID: "job-1", Stage: StageExtracted, Ref: models.DocumentRef{Path: "/b.txt"}}))
	require.NoError(t, l.Save(&Entry{DocumentID: "doc-3", JobID: "job-2", Stage: StageExtracted, Ref: models.DocumentRef{Path: "/b.txt"}}))

	got, err := l.FindByJob("job-1", "/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc-2", got.DocumentID)

	_, err = l.FindByJob("job-3", "/b.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
