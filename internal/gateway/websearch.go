package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/clawrun/internal/websearch"
)

type webSearchRequest struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

type webSearchResponse struct {
	Results []websearch.Result `json:"results"`
}

// handleWebSearch serves the runtime's web_search builtin.
func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid runtime secret")
		return
	}

	var req webSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := s.search.Search(r.Context(), req.Query, req.Count)
	if err != nil {
		slog.Error("gateway.web_search_failed", "error", err)
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	if results == nil {
		results = []websearch.Result{}
	}
	writeJSON(w, http.StatusOK, webSearchResponse{Results: results})
}
