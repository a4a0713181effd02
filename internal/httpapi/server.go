// Package httpapi exposes the research pipeline over JSON HTTP: a health and
// metrics surface, the single-pass research endpoints, the deep research
// endpoint with SSE/WebSocket progress streams, and the async job API.
// Middleware order is tracing, then auth, then the per-caller rate limiter.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/auth"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/deepresearch"
	"github.com/citeseek/citeseek/internal/jobs"
	"github.com/citeseek/citeseek/internal/research"
	"github.com/citeseek/citeseek/internal/search"
	"github.com/citeseek/citeseek/internal/streaming"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps carries the wired services the handlers delegate to.
type Deps struct {
	Orchestrator *research.Orchestrator
	Agent        *deepresearch.Agent
	Jobs         *jobs.Queue
	Stream       *streaming.Manager
	Search       *search.Chain
	Auth         *auth.Middleware
	Limiter      Limiter
	Logger       *zap.Logger
}

// Server routes HTTP requests to the research services.
type Server struct {
	cfg    *config.Config
	orch   *research.Orchestrator
	agent  *deepresearch.Agent
	queue  *jobs.Queue
	stream *streaming.Manager
	chain  *search.Chain
	authmw *auth.Middleware
	limit  Limiter
	logger *zap.Logger
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		orch:   deps.Orchestrator,
		agent:  deps.Agent,
		queue:  deps.Jobs,
		stream: deps.Stream,
		chain:  deps.Search,
		authmw: deps.Auth,
		limit:  deps.Limiter,
		logger: logger,
	}
}

// Handler builds the route table. Health and metrics stay outside the auth
// and rate limit wrappers; everything under /api/v1/ goes through both.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/test", s.handleSearchTest)
	api.HandleFunc("POST /api/v1/research", s.handleResearch)
	api.HandleFunc("POST /api/v1/deep-research", s.handleDeepResearch)
	api.HandleFunc("GET /api/v1/deep-research/stream", s.handleStream)
	api.HandleFunc("GET /api/v1/deep-research/stream/ws", s.handleStreamWS)
	api.HandleFunc("POST /api/v1/deep-research/jobs", s.handleJobCreate)
	api.HandleFunc("GET /api/v1/deep-research/jobs", s.handleJobList)
	api.HandleFunc("GET /api/v1/deep-research/jobs/{id}", s.handleJobGet)
	api.HandleFunc("DELETE /api/v1/deep-research/jobs/{id}", s.handleJobCancel)

	var protected http.Handler = api
	protected = s.withRateLimit(protected)
	if s.authmw != nil {
		protected = s.authmw.Wrap(protected)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/v1/", protected)

	return s.withCORS(s.withTelemetry(mux))
}

// handleHealth reports the provider and feature snapshot without touching
// any provider.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := map[string]bool{}
	primary := ""
	if s.chain != nil {
		providers = s.chain.Providers()
		primary = s.chain.Primary()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   Version,
		"primary":   primary,
		"providers": providers,
		"features": map[string]bool{
			"deep_research": s.agent != nil && s.agent.Enabled(),
			"rerank":        s.cfg.Rerank.Enabled,
			"auth":          !s.cfg.Auth.Disabled,
			"redis":         s.cfg.Redis.URL != "",
		},
		"limits": map[string]int{
			"requests_per_minute": s.cfg.Server.RequestsPerMin,
			"max_results":         s.cfg.Search.MaxResults,
			"max_fetch":           s.cfg.Fetch.MaxFetch,
		},
	})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
