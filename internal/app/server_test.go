package app

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/api/handlers"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/cache"
	"github.com/markdave123-py/contexta-ingest/internal/logger"
	"github.com/markdave123-py/contexta-ingest/internal/metrics"
	"github.com/markdave123-py/contexta-ingest/internal/models"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

type idleIngestor struct{}

func (idleIngestor) Start(context.Context, int) {}
func (idleIngestor) Submit(context.Context, []models.DocumentRef) (string, error) {
	return "job-1", nil
}
func (idleIngestor) Status(context.Context, string) (*models.IngestionJob, error) {
	return nil, core.ErrJobNotFound
}
func (idleIngestor) Cancel(context.Context, string) error { return nil }
func (idleIngestor) Resume(context.Context) (int, error) { return 0, nil }
func (idleIngestor) Fatal() <-chan error                 { return nil }

type noDocs struct{}

func (noDocs) UpsertDocument(_ context.Context, d *models.Document) (*models.Document, error) {
	return d, nil
}
func (noDocs) GetDocumentByID(context.Context, string) (*models.Document, error) {
	return nil, core.ErrDocumentNotFound
}
func (noDocs) ListDocuments(context.Context, int, int) ([]models.Document, error) {
	return []models.Document{}, nil
}
func (noDocs) UpdateDocumentStatus(context.Context, string, string) error { return core.ErrDocumentNotFound }
func (noDocs) UpdateDocumentClassification(context.Context, string, string, string) error {
	return nil
}

func testHandlers(health func(context.Context) error) Handlers {
	m := metrics.New()
	m.JobTransition(string(models.JobPending))
	docs := services.NewDocumentService(noDocs{}, nil, "")
	return Handlers{
		Ingest:     handlers.NewIngestHandler(services.NewIngestService(idleIngestor{}, docs), 0),
		Documents:  handlers.NewDocumentHandler(docs),
		Search:     handlers.NewSearchHandler(services.NewSearchService(nil, nil)),
		Cache:      handlers.NewCacheHandler(cache.New(cache.NewMemoryBackend(), cache.WithLogger(logger.Discard()))),
		Metrics:    m.Handler(),
		Health:     health,
		AdminToken: "tok",
	}
}

func serve(h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k := 0; k+1 < len(header); k += 2 {
		req.Header.Set(header[k], header[k+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	r := NewRouter(testHandlers(nil))

	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/api/ingest", `{"documents":[{"path":"a.txt"}]}`).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/jobs/gone", "").Code)
	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodDelete, "/api/jobs/job-1", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/documents", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/documents/x", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/api/documents/x/archive", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/api/search", `{}`).Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("hello"))
	require.NoError(t, mw.Close())
	rec := serve(r, http.MethodPost, "/api/documents/upload", body.String(), "Content-Type", mw.FormDataContentType())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "uploads need object storage")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	r := NewRouter(testHandlers(nil))

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/admin/cache", "").Code)
	rec := serve(r, http.MethodGet, "/api/admin/cache", "", "Authorization", "Bearer tok")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":true`)
}

func TestHealthAndMetrics(t *testing.T) {
	r := NewRouter(testHandlers(nil))
	rec := serve(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = serve(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "contexta_ingest_")

	down := NewRouter(testHandlers(func(context.Context) error { return errors.New("database: refused") }))
	rec = serve(down, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "refused")
}
