package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Search metrics
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_searches_total",
			Help: "Total number of provider search calls",
		},
		[]string{"provider", "status"},
	)

	SearchCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_search_cache_total",
			Help: "Search cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, stale, bypass
	)

	// Fetch metrics
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_fetches_total",
			Help: "Total number of URL fetches by outcome",
		},
		[]string{"outcome"}, // ok or a failure reason
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citeseek_fetch_duration_seconds",
			Help:    "Single URL fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_fetch_cache_total",
			Help: "Fetch cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss
	)

	// LLM metrics
	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_llm_calls_total",
			Help: "Total number of LLM generate calls",
		},
		[]string{"backend", "status"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citeseek_llm_call_duration_seconds",
			Help:    "LLM generate call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	// Research pipeline metrics
	ResearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_research_requests_total",
			Help: "Total number of research pipeline runs",
		},
		[]string{"kind", "status"}, // kind: research, deep_research, test
	)

	ResearchStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citeseek_research_stage_duration_seconds",
			Help:    "Per-stage duration of the research pipelines",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	SynthesisCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_synthesis_cache_total",
			Help: "Synthesis cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, bypass
	)

	DeepResearchIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citeseek_deep_research_iterations",
			Help:    "Refinement iterations used per deep research run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	// Job metrics
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citeseek_jobs_running",
			Help: "Number of deep research jobs currently running",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citeseek_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citeseek_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citeseek_rate_limit_rejections_total",
			Help: "Requests rejected by the per-caller rate limiter",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citeseek_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)
)

// RecordSearch tracks one provider call.
func RecordSearch(provider, status string) {
	SearchesTotal.WithLabelValues(provider, status).Inc()
}

// RecordFetch tracks one URL fetch outcome and its duration.
func RecordFetch(outcome string, seconds float64) {
	FetchesTotal.WithLabelValues(outcome).Inc()
	FetchDuration.Observe(seconds)
}

// RecordLLMCall tracks one generate call.
func RecordLLMCall(backend, status string, seconds float64) {
	LLMCallsTotal.WithLabelValues(backend, status).Inc()
	LLMCallDuration.WithLabelValues(backend).Observe(seconds)
}

// RecordStage tracks one pipeline stage duration.
func RecordStage(stage string, seconds float64) {
	ResearchStageDuration.WithLabelValues(stage).Observe(seconds)
}
