package httpapi

import (
	"net/http"
	"strings"
)

// handleJobCreate enqueues an async deep research run and answers 202 with
// the queued snapshot. The disabled flag answers like the synchronous
// endpoint instead of minting jobs that can only fail.
func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req deepResearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if !s.agent.Enabled() {
		writeJSON(w, http.StatusOK, map[string]string{"error": "deep research is disabled"})
		return
	}

	job := s.queue.Enqueue(req.Query, req.Model, req.MaxIterations)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	list := s.queue.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobCancel cancels a known job. The cancelled flag is false when the
// job had already reached a terminal state.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.queue.Cancel(id)})
}
