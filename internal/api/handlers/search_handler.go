package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/markdave123-py/contexta-ingest/internal/models"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

type SearchHandler struct {
	svc *services.SearchService
}

func NewSearchHandler(svc *services.SearchService) *SearchHandler {
	return &SearchHandler{svc: svc}
}

type searchResponse struct {
	Results []models.ScoredChunk `json:"results"`
}

// Search returns the top-K chunks above the similarity threshold.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req services.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	hits, err := h.svc.Search(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if hits == nil {
		hits = []models.ScoredChunk{}
	}
	for k := range hits {
		hits[k].Embedding = nil
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: hits})
}
