package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

type fakeIngestor struct {
	mu        sync.Mutex
	submitted [][]models.DocumentRef
	err       error
	cancelled []string
}

func (f *fakeIngestor) Start(context.Context, int) {}

func (f *fakeIngestor) Submit(_ context.Context, refs []models.DocumentRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, refs)
	return "job-1", nil
}

func (f *fakeIngestor) Status(_ context.Context, id string) (*models.IngestionJob, error) {
	if id != "job-1" {
		return nil, core.ErrJobNotFound
	}
	return &models.IngestionJob{ID: id, State: models.JobPending}, nil
}

func (f *fakeIngestor) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeIngestor) Resume(context.Context) (int, error) { return 0, nil }
func (f *fakeIngestor) Fatal() <-chan error                  { return nil }

type fakeObjects struct {
	keys []string
	err  error
}

func (f *fakeObjects) UploadFile(_ context.Context, bucket, key string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "s3://" + bucket + "/" + key, nil
}

func (f *fakeObjects) DeleteFile(context.Context, string, string) error { return nil }
func (f *fakeObjects) GetFile(context.Context, string, string) ([]byte, error) {
	return nil, nil
}
func (f *fakeObjects) GetObjectReader(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type fakeDocs struct {
	docs      map[string]*models.Document
	lastLimit int
}

func (f *fakeDocs) UpsertDocument(_ context.Context, d *models.Document) (*models.Document, error) {
	f.docs[d.ID] = d
	return d, nil
}

func (f *fakeDocs) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, core.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) ListDocuments(_ context.Context, limit, _ int) ([]models.Document, error) {
	f.lastLimit = limit
	var out []models.Document
	for _, d := range f.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDocs) UpdateDocumentStatus(_ context.Context, id, status string) error {
	d, ok := f.docs[id]
	if !ok {
		return core.ErrDocumentNotFound
	}
	d.Status = status
	return nil
}

func (f *fakeDocs) UpdateDocumentClassification(context.Context, string, string, string) error {
	return nil
}

func TestSubmitUploadStoresThenSubmits(t *testing.T) {
	ing := &fakeIngestor{}
	obj := &fakeObjects{}
	svc := NewIngestService(ing, NewDocumentService(&fakeDocs{docs: map[string]*models.Document{}}, obj, "bucket"))

	jobID, url, err := svc.SubmitUpload(context.Background(), Upload{
		FileName:    "my notes.md",
		ContentType: "text/markdown",
		Data:        []byte("# hi"),
		Metadata:    map[string]any{"course": "cs101"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	require.Len(t, obj.keys, 1)
	assert.True(t, strings.HasPrefix(obj.keys[0], "uploads/"))
	assert.True(t, strings.HasSuffix(obj.keys[0], "/my_notes.md"))
	assert.Equal(t, "s3://bucket/"+obj.keys[0], url)

	require.Len(t, ing.submitted, 1)
	ref := ing.submitted[0][0]
	assert.Equal(t, url, ref.Path)
	assert.Equal(t, "my notes.md", ref.FileName)
	assert.Equal(t, "cs101", ref.Metadata["course"])
}

func TestSubmitUploadFailureDoesNotSubmit(t *testing.T) {
	ing := &fakeIngestor{}
	obj := &fakeObjects{err: errors.New("access denied")}
	svc := NewIngestService(ing, NewDocumentService(&fakeDocs{}, obj, "bucket"))

	_, _, err := svc.SubmitUpload(context.Background(), Upload{FileName: "a.txt", Data: []byte("x")})
	require.Error(t, err)
	assert.Empty(t, ing.submitted)
}

func TestSubmitUploadWithoutStorage(t *testing.T) {
	svc := NewIngestService(&fakeIngestor{}, NewDocumentService(&fakeDocs{}, nil, ""))
	_, _, err := svc.SubmitUpload(context.Background(), Upload{FileName: "a.txt"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestSubmitTrimsPaths(t *testing.T) {
	ing := &fakeIngestor{}
	svc := NewIngestService(ing, nil)
	_, err := svc.Submit(context.Background(), []models.DocumentRef{{Path: "  /data/a.pdf\n"}})
	require.NoError(t, err)
	assert.Equal(t, "/data/a.pdf", ing.submitted[0][0].Path)
}

func TestStatusPassesNotFoundThrough(t *testing.T) {
	svc := NewIngestService(&fakeIngestor{}, nil)
	_, err := svc.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestDocumentListClampsLimit(t *testing.T) {
	docs := &fakeDocs{docs: map[string]*models.Document{}}
	svc := NewDocumentService(docs, nil, "")

	_, err := svc.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, docs.lastLimit)

	_, err = svc.List(context.Background(), 10_000, 0)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, docs.lastLimit)
}

func TestArchive(t *testing.T) {
	docs := &fakeDocs{docs: map[string]*models.Document{
		"d1": {ID: "d1", Status: models.DocumentCompleted},
	}}
	svc := NewDocumentService(docs, nil, "")

	doc, err := svc.Archive(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentArchived, doc.Status)

	_, err = svc.Archive(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)
}
