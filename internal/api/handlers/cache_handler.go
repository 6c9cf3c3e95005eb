package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta-ingest/internal/core/cache"
)

// CacheAdmin is the operator surface of the classification cache.
type CacheAdmin interface {
	Stats() cache.Stats
	Invalidate(ctx context.Context, digest string) error
	SetEnabled(enabled bool)
}

type CacheHandler struct {
	cache CacheAdmin
}

func NewCacheHandler(c CacheAdmin) *CacheHandler {
	return &CacheHandler{cache: c}
}

func (h *CacheHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	if err := h.cache.Invalidate(r.Context(), digest); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *CacheHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	h.cache.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, h.cache.Stats())
}
