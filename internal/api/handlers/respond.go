package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-ingest/internal/core/vectorstore"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps pipeline and store errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ingestion_engine.ErrJobFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingestion_engine.ErrEmptyBatch),
		errors.Is(err, ingestion_engine.ErrInvalidRef),
		errors.Is(err, services.ErrEmptyQuery),
		errors.Is(err, vectorstore.ErrDimensionMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrIntakeHalted), errors.Is(err, services.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Default().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
