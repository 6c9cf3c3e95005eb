package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta-ingest/internal/models"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

const DefaultMaxUploadBytes = 64 << 20

type IngestHandler struct {
	svc       *services.IngestService
	maxUpload int64
}

func NewIngestHandler(svc *services.IngestService, maxUpload int64) *IngestHandler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &IngestHandler{svc: svc, maxUpload: maxUpload}
}

type ingestDocument struct {
	Path        string         `json:"path"`
	S3URL       string         `json:"s3_url"`
	FileName    string         `json:"file_name"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata"`
}

type ingestRequest struct {
	Documents []ingestDocument `json:"documents"`
}

type ingestResponse struct {
	JobID      string `json:"job_id"`
	StorageURL string `json:"storage_url,omitempty"`
}

// Ingest starts a job over local paths or s3:// URLs.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	refs := make([]models.DocumentRef, 0, len(req.Documents))
	for _, d := range req.Documents {
		p := d.Path
		if p == "" {
			p = d.S3URL
		}
		refs = append(refs, models.DocumentRef{
			Path:        p,
			FileName:    d.FileName,
			ContentType: d.ContentType,
			Metadata:    d.Metadata,
		})
	}

	jobID, err := h.svc.Submit(r.Context(), refs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{JobID: jobID})
}

// Upload stores a multipart file in object storage and ingests it.
func (h *IngestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file")
		return
	}
	if int64(len(data)) > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	var meta map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, http.StatusBadRequest, "metadata must be a JSON object")
			return
		}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}

	jobID, url, err := h.svc.SubmitUpload(r.Context(), services.Upload{
		FileName:    filepath.Base(header.Filename),
		ContentType: contentType,
		Data:        data,
		Metadata:    meta,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{JobID: jobID, StorageURL: url})
}

// GetJob reports a job's state, result and per-document breakdown.
func (h *IngestHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation; running documents stop at their next stage.
func (h *IngestHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancel_requested"})
}
