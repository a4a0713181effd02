package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/auth"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/deepresearch"
	"github.com/citeseek/citeseek/internal/fetch"
	"github.com/citeseek/citeseek/internal/jobs"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/metadata"
	"github.com/citeseek/citeseek/internal/research"
	"github.com/citeseek/citeseek/internal/search"
	"github.com/citeseek/citeseek/internal/streaming"
)

type stubProvider struct {
	name      string
	available bool
	results   []search.SearchResult

	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Name() string    { return p.name }
func (p *stubProvider) Available() bool { return p.available }

func (p *stubProvider) Search(_ context.Context, query string, maxResults int) ([]search.SearchResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return append([]search.SearchResult(nil), p.results...), nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubLLM struct {
	reply string
	block bool

	mu    sync.Mutex
	calls int
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	return llm.Response{Text: s.reply, ModelUsed: "stub-model", TokensUsed: 42}, nil
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// strongDraft passes the critique on the first round: over 100 words with a
// bracket citation.
var strongDraft = strings.Repeat("The collected evidence covers the question from several independent angles and the sources agree on the essentials. ", 7) + "[1]"

func articleHTML(title, lead string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%s</title></head>
<body><article><p>%s It remains one of the most visited and most studied
subjects in its field, drawing researchers and the public alike year after
year. Detailed records stretching back decades give historians a rare level
of confidence about the underlying facts and their context.</p></article></body></html>`, title, lead)
}

type envConfig struct {
	deepEnabled  bool
	providerDown bool
	blockLLM     bool
	rateLimit    int
	authEnabled  bool
	apiKeys      []string
}

type testEnv struct {
	ts       *httptest.Server
	provider *stubProvider
	mind     *stubLLM
	stream   *streaming.Manager
}

func newEnv(t *testing.T, ec envConfig) *testEnv {
	t.Helper()

	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML("Paris", "Paris is the capital and largest city of France."))
	}))
	t.Cleanup(pages.Close)

	provider := &stubProvider{
		name:      "stubsearch",
		available: !ec.providerDown,
		results: []search.SearchResult{
			{Title: "Paris", URL: pages.URL + "/paris", Snippet: "Paris is the capital of France."},
			{Title: "France", URL: pages.URL + "/france", Snippet: "Country profile for France."},
		},
	}
	mind := &stubLLM{reply: strongDraft, block: ec.blockLLM}
	chain := search.NewChain(provider, nil, search.ChainConfig{CacheSize: 32}, zap.NewNop())
	fetcher := fetch.NewService(config.FetchConfig{
		Concurrency:  4,
		MaxFetch:     10,
		TimeoutS:     5,
		MaxBytes:     1 << 20,
		DomainPerMin: 1000,
		CacheSize:    64,
		CacheTTLS:    300,
	}, nil, zap.NewNop())

	orch := research.NewOrchestrator(config.SynthesisConfig{}, research.Deps{
		Search: chain,
		Fetch:  fetcher,
		LLM:    mind,
		Cred:   metadata.DefaultCredibility(),
		Logger: zap.NewNop(),
	})

	stream := streaming.NewManager(64)
	agent := deepresearch.NewAgent(config.DeepResearchConfig{
		Enabled:       ec.deepEnabled,
		MaxIterations: 2,
		SearchPerSubQ: 2,
		FetchPerSubQ:  2,
	}, deepresearch.Deps{
		Search: chain,
		Fetch:  fetcher,
		LLM:    mind,
		Cred:   metadata.DefaultCredibility(),
		Stream: stream,
		Logger: zap.NewNop(),
	})

	queue := jobs.NewQueue(agent, zap.NewNop())
	t.Cleanup(queue.Shutdown)

	limit := ec.rateLimit
	if limit <= 0 {
		limit = 1000
	}

	cfg := &config.Config{}
	cfg.Server.RequestsPerMin = limit
	cfg.Search.MaxResults = 5
	cfg.Fetch.MaxFetch = 5
	cfg.Auth.Disabled = !ec.authEnabled

	srv := NewServer(cfg, Deps{
		Orchestrator: orch,
		Agent:        agent,
		Jobs:         queue,
		Stream:       stream,
		Search:       chain,
		Auth:         auth.NewMiddleware(auth.NewKeySet(ec.apiKeys), auth.NewJWTManager("test-secret", time.Hour), !ec.authEnabled),
		Limiter:      NewMemoryLimiter(limit, time.Minute),
		Logger:       zap.NewNop(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, provider: provider, mind: mind, stream: stream}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status    string          `json:"status"`
		Primary   string          `json:"primary"`
		Providers map[string]bool `json:"providers"`
		Features  map[string]bool `json:"features"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "stubsearch", health.Primary)
	assert.True(t, health.Providers["stubsearch"])
	assert.True(t, health.Features["deep_research"])
	assert.False(t, health.Features["auth"])
}

func TestSearchTestEndpoint(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodPost, "/api/v1/test",
		map[string]any{"q": "capital of France", "maxResults": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res research.TestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "stubsearch", res.Provider)
	assert.Equal(t, 2, res.ResultCount)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 1, res.Results[0].ID)
	assert.Zero(t, res.Retries)
}

func TestResearchEndpoint(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodPost, "/api/v1/research",
		map[string]any{"q": "what is the capital of France"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res research.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Contains(t, res.Response, "[1]")
	assert.Equal(t, "stubsearch", res.Provider)
	assert.NotEmpty(t, res.Citations)
	assert.Equal(t, 2, res.ResultCount)
	assert.GreaterOrEqual(t, env.mind.callCount(), 1)
}

func TestResearchEndpointValidation(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodPost, "/api/v1/research", map[string]any{"q": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "q is required")

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/research",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/research", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestResearchEndpointNoProvider(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true, providerDown: true})

	resp, body := env.do(t, http.MethodPost, "/api/v1/research",
		map[string]any{"q": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "no search provider")
}

func TestDeepResearchEndpoint(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodPost, "/api/v1/deep-research",
		map[string]any{"query": "history of Paris"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res deepresearch.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Contains(t, res.Answer, "## Sources")
	assert.NotEmpty(t, res.Citations)
	assert.NotEmpty(t, res.Metadata.TraceID)
	assert.Empty(t, res.Metadata.Error)
	assert.GreaterOrEqual(t, env.provider.callCount(), 1)
}

func TestDeepResearchDisabled(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: false})

	resp, body := env.do(t, http.MethodPost, "/api/v1/deep-research",
		map[string]any{"query": "latest AI news today"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Contains(t, out["error"], "disabled")
	assert.Zero(t, env.provider.callCount(), "disabled runs must not touch providers")
	assert.Zero(t, env.mind.callCount())
}

func TestJobLifecycle(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodPost, "/api/v1/deep-research/jobs",
		map[string]any{"query": "history of Paris"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job jobs.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, jobs.StatusQueued, job.Status)

	var done jobs.Job
	require.Eventually(t, func() bool {
		r, b := env.do(t, http.MethodGet, "/api/v1/deep-research/jobs/"+job.ID, nil)
		if r.StatusCode != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(b, &done); err != nil {
			return false
		}
		return done.Status == jobs.StatusDone
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, done.Result)
	assert.Contains(t, done.Result.Answer, "## Sources")
	assert.Equal(t, job.ID, done.Result.Metadata.TraceID)

	resp, body = env.do(t, http.MethodGet, "/api/v1/deep-research/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Jobs  []jobs.Job `json:"jobs"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	// Cancelling a finished job reports false without disturbing it.
	resp, body = env.do(t, http.MethodDelete, "/api/v1/deep-research/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":false}`, string(body))
}

func TestJobCancelMidRun(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true, blockLLM: true})

	_, body := env.do(t, http.MethodPost, "/api/v1/deep-research/jobs",
		map[string]any{"query": "slow question"})
	var job jobs.Job
	require.NoError(t, json.Unmarshal(body, &job))

	// Wait until the run is actually inside the blocked LLM call.
	require.Eventually(t, func() bool {
		return env.mind.callCount() > 0
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodDelete, "/api/v1/deep-research/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":true}`, string(body))

	resp, body = env.do(t, http.MethodGet, "/api/v1/deep-research/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled jobs.Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.Result)
}

func TestJobNotFound(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, _ := env.do(t, http.MethodGet, "/api/v1/deep-research/jobs/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/deep-research/jobs/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobCreateDisabled(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: false})

	resp, body := env.do(t, http.MethodPost, "/api/v1/deep-research/jobs",
		map[string]any{"query": "anything"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "disabled")

	resp, body = env.do(t, http.MethodGet, "/api/v1/deep-research/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":0`)
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true, rateLimit: 2})

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/v1/test",
			map[string]any{"q": "capital of France"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d should pass", i+1)
	}

	resp, body := env.do(t, http.MethodPost, "/api/v1/test",
		map[string]any{"q": "capital of France"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(body), "rate limit exceeded")
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	// Health stays reachable for throttled callers.
	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true, authEnabled: true, apiKeys: []string{"ci:topsecret"}})

	resp, _ := env.do(t, http.MethodPost, "/api/v1/test", map[string]any{"q": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/test",
		strings.NewReader(`{"q":"capital of France"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "topsecret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	// Health is reachable without credentials.
	resp, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	env.do(t, http.MethodGet, "/health", nil)
	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "citeseek_")
}

func TestCORSPreflight(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/v1/research", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSSEStream(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, err := http.Get(env.ts.URL + "/api/v1/deep-research/stream?query=history+of+Paris")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler closes the stream after the final result frame.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, "id: 0\n")
	assert.Contains(t, out, "event: plan")
	assert.Contains(t, out, "event: done")
	assert.Contains(t, out, "event: result")
	assert.Contains(t, out, `"answer"`)
}

func TestSSEStreamDisabled(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: false})

	resp, err := http.Get(env.ts.URL + "/api/v1/deep-research/stream?query=anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: error")
	assert.Contains(t, string(body), "disabled")
	assert.Zero(t, env.provider.callCount())
}

func TestSSEStreamValidation(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	resp, body := env.do(t, http.MethodGet, "/api/v1/deep-research/stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "query or run_id required")

	resp, _ = env.do(t, http.MethodGet, "/api/v1/deep-research/stream?run_id=unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEAttachReplay(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	runID := "finished-run"
	env.stream.Publish(runID, streaming.Event{Type: streaming.TypePlan, Message: "three questions"})
	env.stream.Publish(runID, streaming.Event{Type: streaming.TypeSynthesize, Message: "drafting"})
	env.stream.Publish(runID, streaming.Event{Type: streaming.TypeDone, Message: "complete"})

	resp, err := http.Get(env.ts.URL + "/api/v1/deep-research/stream?run_id=" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, "event: plan")
	assert.Contains(t, out, "event: synthesize")
	assert.Contains(t, out, "event: done")

	// Last-Event-ID resumes strictly after the given sequence number.
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/deep-research/stream?run_id="+runID, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err = io.ReadAll(resp2.Body)
	require.NoError(t, err)
	out = string(body)
	assert.NotContains(t, out, "event: plan")
	assert.Contains(t, out, "event: synthesize")
	assert.Contains(t, out, "event: done")
}

func TestWebSocketStream(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
		"/api/v1/deep-research/stream/ws?query=history+of+Paris"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	types := map[string]bool{}
	var result map[string]any
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		typ, _ := msg["type"].(string)
		types[typ] = true
		if typ == "result" {
			result = msg
			break
		}
	}

	assert.True(t, types["plan"], "expected a plan event, saw %v", types)
	assert.True(t, types["done"])
	require.NotNil(t, result, "stream ended without a result frame")
	payload, _ := result["result"].(map[string]any)
	require.NotNil(t, payload)
	answer, _ := payload["answer"].(string)
	assert.Contains(t, answer, "## Sources")
}

func TestWebSocketUnknownRun(t *testing.T) {
	env := newEnv(t, envConfig{deepEnabled: true})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
		"/api/v1/deep-research/stream/ws?run_id=missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricPath(t *testing.T) {
	assert.Equal(t, "/api/v1/research", metricPath("/api/v1/research"))
	assert.Equal(t, "/api/v1/deep-research/jobs", metricPath("/api/v1/deep-research/jobs"))
	assert.Equal(t, "/api/v1/deep-research/jobs/{id}",
		metricPath("/api/v1/deep-research/jobs/123e4567"))
}
