package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/deepresearch"
	"github.com/citeseek/citeseek/internal/research"
	"github.com/citeseek/citeseek/internal/search"
)

type searchTestRequest struct {
	Q          string `json:"q"`
	MaxResults int    `json:"maxResults"`
}

type researchRequest struct {
	Q          string `json:"q"`
	Model      string `json:"model,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
	MaxFetch   int    `json:"maxFetch,omitempty"`
}

type deepResearchRequest struct {
	Query         string `json:"query"`
	Model         string `json:"model,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// handleSearchTest runs the no-synthesis diagnostic pass: search only, with
// the widening retries, enriched into annotated citations.
func (s *Server) handleSearchTest(w http.ResponseWriter, r *http.Request) {
	var req searchTestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Q) == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	res, err := s.orch.SearchTest(r.Context(), req.Q, req.MaxResults)
	if err != nil {
		s.writeResearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleResearch runs the full single-pass pipeline.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Q) == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	res, err := s.orch.Research(r.Context(), research.Params{
		Query:      req.Q,
		Model:      req.Model,
		MaxResults: req.MaxResults,
		MaxFetch:   req.MaxFetch,
	})
	if err != nil {
		s.writeResearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeepResearch runs the iterative agent synchronously. The disabled
// flag still answers HTTP 200 so clients always get a parseable body; the
// agent's disabled short-circuit never touches a provider.
func (s *Server) handleDeepResearch(w http.ResponseWriter, r *http.Request) {
	var req deepResearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	res := s.agent.Run(r.Context(), deepresearch.Params{
		Query:         req.Query,
		Model:         req.Model,
		MaxIterations: req.MaxIterations,
	})
	if !s.agent.Enabled() {
		writeJSON(w, http.StatusOK, map[string]string{"error": res.Metadata.Error})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeResearchError maps pipeline errors onto the HTTP surface. The only
// hard error the pipeline raises is both providers being unusable.
func (s *Server) writeResearchError(w http.ResponseWriter, err error) {
	if errors.Is(err, search.ErrNoProvider) {
		writeError(w, http.StatusServiceUnavailable, "no search provider available")
		return
	}
	s.logger.Error("Research request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, sanitizeErr(err.Error()))
}

// decodeJSON parses the body into v and answers 400 itself on bad input.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return err
	}
	return nil
}
