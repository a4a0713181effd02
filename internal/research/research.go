// Package research runs the single-pass web research pipeline: search the
// web, fetch and extract the top results, optionally rerank them, assemble
// an evidence pack and synthesize a cited answer through the LLM. This is
// the low-latency interactive path; the iterative plan/critique loop lives
// in the deepresearch package.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/cache"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/fetch"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/metadata"
	"github.com/citeseek/citeseek/internal/metrics"
	"github.com/citeseek/citeseek/internal/rerank"
	"github.com/citeseek/citeseek/internal/search"
	"github.com/citeseek/citeseek/internal/tracing"
)

const (
	defaultMaxResults = 10
	defaultMaxFetch   = 5
	maxSearchRetries  = 2
)

// Evidence is one numbered block of the synthesis prompt, a search result
// merged with its fetch. Fetched content wins over the snippet.
type Evidence struct {
	Title       string
	URL         string
	Content     string
	Tokens      int
	PublishedAt *time.Time
}

// Params control a single research run. Zero values take defaults.
type Params struct {
	Query      string
	Model      string
	MaxResults int
	MaxFetch   int
}

// Result is the answer payload of a research run.
type Result struct {
	Response    string              `json:"response"`
	Citations   []metadata.Citation `json:"citations"`
	Provider    string              `json:"web_provider"`
	Impl        string              `json:"web_impl"`
	ResultCount int                 `json:"web_results_count"`
}

// TestResult is a single search pass without synthesis, for diagnostics.
type TestResult struct {
	Results     []metadata.Citation `json:"results"`
	Provider    string              `json:"web_provider"`
	Impl        string              `json:"web_impl"`
	ResultCount int                 `json:"web_results_count"`
	Retries     int                 `json:"retries"`
}

// Deps are the collaborators a research run needs. Cache holds synthesized
// answers and may be Redis-backed; nil falls back to an in-process cache.
// Rerank may be nil to skip the reorder stage.
type Deps struct {
	Search *search.Chain
	Fetch  *fetch.Service
	LLM    llm.Client
	Rerank *rerank.Reranker
	Cache  cache.Cache
	Cred   *metadata.Credibility
	Logger *zap.Logger
}

// Orchestrator drives the pipeline.
type Orchestrator struct {
	cfg config.SynthesisConfig

	search     *search.Chain
	fetch      *fetch.Service
	llm        llm.Client
	rerank     *rerank.Reranker
	synthCache cache.Cache
	cred       *metadata.Credibility

	isTimeSensitive search.TimeSensitivePolicy
	logger          *zap.Logger
}

// candidate pairs a search result with its fetch attempt. The zero fetch
// Result means the URL was never fetched.
type candidate struct {
	result  search.SearchResult
	fetched fetch.Result
}

// NewOrchestrator builds the pipeline around its collaborators.
func NewOrchestrator(cfg config.SynthesisConfig, deps Deps) *Orchestrator {
	if cfg.CacheTTLS <= 0 {
		cfg.CacheTTLS = 300
	}
	if cfg.MinDocs <= 0 {
		cfg.MinDocs = 2
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = 500
	}
	if cfg.EvidenceCap <= 0 {
		cfg.EvidenceCap = 8000
	}
	if cfg.ExtraFetches <= 0 {
		cfg.ExtraFetches = 2
	}

	synthCache := deps.Cache
	if synthCache == nil {
		synthCache = cache.NewMemory(cfg.CacheSize)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:             cfg,
		search:          deps.Search,
		fetch:           deps.Fetch,
		llm:             deps.LLM,
		rerank:          deps.Rerank,
		synthCache:      synthCache,
		cred:            deps.Cred,
		isTimeSensitive: search.DefaultTimeSensitive,
		logger:          logger,
	}
}

// SetTimeSensitivePolicy replaces the query classifier.
func (o *Orchestrator) SetTimeSensitivePolicy(p search.TimeSensitivePolicy) {
	if p != nil {
		o.isTimeSensitive = p
	}
}

// Research answers a query with a cited response. Per-item failures degrade
// inline; the only hard errors are an empty query and no usable search
// provider.
func (o *Orchestrator) Research(ctx context.Context, p Params) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "research.run")
	defer span.End()

	query := strings.TrimSpace(p.Query)
	if query == "" {
		return Result{}, errors.New("empty query")
	}
	if p.MaxResults <= 0 {
		p.MaxResults = defaultMaxResults
	}
	if p.MaxFetch <= 0 {
		p.MaxFetch = defaultMaxFetch
	}

	started := time.Now()
	timeSensitive := o.isTimeSensitive(query)

	key := synthesisKey(p.Model, query)
	if timeSensitive {
		metrics.SynthesisCacheHits.WithLabelValues("bypass").Inc()
	} else if res, ok := o.cachedResult(ctx, key); ok {
		metrics.SynthesisCacheHits.WithLabelValues("hit").Inc()
		metrics.ResearchRequests.WithLabelValues("research", "cached").Inc()
		return res, nil
	} else {
		metrics.SynthesisCacheHits.WithLabelValues("miss").Inc()
	}

	searchStart := time.Now()
	results, err := o.search.Search(ctx, query, p.MaxResults)
	metrics.RecordStage("search", time.Since(searchStart).Seconds())
	if err != nil {
		metrics.ResearchRequests.WithLabelValues("research", "error").Inc()
		return Result{}, fmt.Errorf("search: %w", err)
	}

	provider := o.search.Primary()
	if len(results) > 0 && results[0].Source != "" {
		provider = results[0].Source
	}
	if len(results) == 0 {
		metrics.ResearchRequests.WithLabelValues("research", "empty").Inc()
		return o.emptyResult(provider, 0), nil
	}

	fetchStart := time.Now()
	n := p.MaxFetch
	if n > len(results) {
		n = len(results)
	}
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		urls[i] = results[i].URL
	}
	fetched := o.fetch.FetchMultiple(ctx, urls)
	metrics.RecordStage("fetch", time.Since(fetchStart).Seconds())

	candidates := make([]candidate, n)
	for i := 0; i < n; i++ {
		candidates[i] = candidate{result: results[i], fetched: fetched[i]}
	}
	remaining := results[n:]

	if o.rerank != nil {
		candidates = o.reorder(ctx, query, candidates)
	}

	evidence, used, docsWithContent, totalTokens := o.buildEvidence(candidates)

	if (docsWithContent < o.cfg.MinDocs || totalTokens < o.cfg.MinTokens) && len(remaining) > 0 {
		extra := o.deepen(ctx, remaining)
		moreEvidence, moreUsed, _, _ := o.buildEvidence(extra)
		evidence = append(evidence, moreEvidence...)
		used = append(used, moreUsed...)
	}

	if len(evidence) == 0 {
		metrics.ResearchRequests.WithLabelValues("research", "empty").Inc()
		return o.emptyResult(provider, len(results)), nil
	}

	synthStart := time.Now()
	resp, llmErr := o.llm.Complete(ctx, llm.Request{
		Model:   p.Model,
		System:  synthesisSystemPrompt,
		Prompt:  buildSynthesisPrompt(query, evidence),
		AgentID: "web-research",
	})
	metrics.RecordStage("synthesize", time.Since(synthStart).Seconds())

	res := Result{
		Provider:    provider,
		Impl:        implLabel(provider),
		ResultCount: len(results),
	}

	answer := ""
	if llmErr == nil {
		answer = llm.StripThinkBlocks(resp.Text)
	}
	if llmErr != nil || answer == "" {
		o.logger.Warn("Synthesis failed, returning sources without an answer",
			zap.String("query", query),
			zap.Error(llmErr))
		res.Response = degradedSynthesisAnswer
		res.Citations = o.buildCitations(used, "")
		metrics.ResearchRequests.WithLabelValues("research", "degraded").Inc()
		return res, nil
	}

	res.Response = answer
	res.Citations = o.buildCitations(used, answer)

	if !timeSensitive {
		o.storeCached(ctx, key, res)
	}

	metrics.ResearchRequests.WithLabelValues("research", "ok").Inc()
	o.logger.Info("Research completed",
		zap.String("query", query),
		zap.String("provider", provider),
		zap.Int("results", len(results)),
		zap.Int("evidence", len(evidence)),
		zap.Duration("elapsed", time.Since(started)))
	return res, nil
}

// SearchTest runs search and citation enrichment without synthesis. Empty
// passes are retried with a doubled result budget, at most twice.
func (o *Orchestrator) SearchTest(ctx context.Context, query string, maxResults int) (TestResult, error) {
	ctx, span := tracing.StartSpan(ctx, "research.search_test")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return TestResult{}, errors.New("empty query")
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	var results []search.SearchResult
	retries := 0
	want := maxResults
	for attempt := 0; ; attempt++ {
		var err error
		results, err = o.search.Search(ctx, query, want)
		if err != nil {
			metrics.ResearchRequests.WithLabelValues("test", "error").Inc()
			return TestResult{}, fmt.Errorf("search: %w", err)
		}
		if len(results) > 0 || attempt == maxSearchRetries {
			break
		}
		retries++
		want *= 2
		o.logger.Debug("Search test pass empty, widening",
			zap.String("query", query),
			zap.Int("max_results", want))
	}

	provider := o.search.Primary()
	if len(results) > 0 && results[0].Source != "" {
		provider = results[0].Source
	}

	citations := make([]metadata.Citation, 0, len(results))
	for i, r := range results {
		citations = append(citations, metadata.Citation{
			ID:      i + 1,
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Source:  r.Source,
		})
	}
	if o.cred != nil {
		citations = o.cred.Annotate(citations)
	}

	status := "ok"
	if len(results) == 0 {
		status = "empty"
	}
	metrics.ResearchRequests.WithLabelValues("test", status).Inc()

	return TestResult{
		Results:     citations,
		Provider:    provider,
		Impl:        implLabel(provider),
		ResultCount: len(results),
		Retries:     retries,
	}, nil
}

// reorder scores each candidate's text and stable-sorts best first, so ties
// keep their original provider rank. The reranked list is capped to top-K.
func (o *Orchestrator) reorder(ctx context.Context, query string, candidates []candidate) []candidate {
	if len(candidates) < 2 {
		return candidates
	}
	start := time.Now()

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		if c.fetched.Content != "" {
			texts[i] = c.fetched.Content
		} else {
			texts[i] = c.result.Snippet
		}
	}
	scores := o.rerank.ScoreTexts(ctx, query, texts)

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	out := make([]candidate, 0, len(candidates))
	for _, i := range order {
		out = append(out, candidates[i])
	}
	if k := o.rerank.TopK(); len(out) > k {
		out = out[:k]
	}
	metrics.RecordStage("rerank", time.Since(start).Seconds())
	return out
}

// buildEvidence merges candidates into prompt-ready blocks. Candidates with
// no content at all are dropped; used holds the contributors in evidence
// order so citation numbering matches the prompt.
func (o *Orchestrator) buildEvidence(candidates []candidate) (evidence []Evidence, used []candidate, docsWithContent, totalTokens int) {
	for _, c := range candidates {
		content := c.fetched.Content
		if content != "" {
			docsWithContent++
		} else {
			content = c.result.Snippet
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		content = truncateRunes(content, o.cfg.EvidenceCap)

		title := c.fetched.Title
		if title == "" {
			title = c.result.Title
		}
		tokens := fetch.EstimateTokens(content)
		totalTokens += tokens

		evidence = append(evidence, Evidence{
			Title:       title,
			URL:         c.result.URL,
			Content:     content,
			Tokens:      tokens,
			PublishedAt: c.fetched.PublishedAt,
		})
		used = append(used, c)
	}
	return evidence, used, docsWithContent, totalTokens
}

// deepen fetches not-yet-used candidates when the evidence pack is thin.
func (o *Orchestrator) deepen(ctx context.Context, remaining []search.SearchResult) []candidate {
	n := o.cfg.ExtraFetches
	if n > len(remaining) {
		n = len(remaining)
	}
	if n <= 0 {
		return nil
	}
	start := time.Now()
	o.logger.Debug("Evidence pack thin, fetching additional candidates", zap.Int("extra", n))

	urls := make([]string, n)
	for i := 0; i < n; i++ {
		urls[i] = remaining[i].URL
	}
	fetched := o.fetch.FetchMultiple(ctx, urls)

	out := make([]candidate, n)
	for i := 0; i < n; i++ {
		out[i] = candidate{result: remaining[i], fetched: fetched[i]}
	}
	metrics.RecordStage("deepen", time.Since(start).Seconds())
	return out
}

// buildCitations converts evidence contributors into output citations, in
// evidence order so IDs line up with the prompt's bracket numbers. Quotes
// are pulled from fetched content when an answer is available to score
// against.
func (o *Orchestrator) buildCitations(used []candidate, answer string) []metadata.Citation {
	citations := make([]metadata.Citation, 0, len(used))
	for i, c := range used {
		title := c.fetched.Title
		if title == "" {
			title = c.result.Title
		}
		cit := metadata.Citation{
			ID:      i + 1,
			Title:   title,
			URL:     c.result.URL,
			Snippet: c.result.Snippet,
			Source:  c.result.Source,
		}
		if answer != "" && c.fetched.Content != "" {
			cit.Quotes = metadata.ExtractQuotes(c.fetched.Content, answer)
		}
		citations = append(citations, cit)
	}
	citations = metadata.Dedup(citations)
	if o.cred != nil {
		citations = o.cred.Annotate(citations)
	}
	return citations
}

func (o *Orchestrator) emptyResult(provider string, resultCount int) Result {
	return Result{
		Response:    noResultsMessage,
		Citations:   []metadata.Citation{},
		Provider:    provider,
		Impl:        implLabel(provider),
		ResultCount: resultCount,
	}
}

func (o *Orchestrator) cachedResult(ctx context.Context, key string) (Result, bool) {
	raw, ok := o.synthCache.Get(ctx, key)
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

func (o *Orchestrator) storeCached(ctx context.Context, key string, res Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	o.synthCache.Set(ctx, key, raw, o.cfg.CacheTTL())
}

func synthesisKey(model, query string) string {
	return cache.HashKey("synthesis:" + model + ":" + normalizeQuery(query))
}

// normalizeQuery folds case and whitespace so trivially restated queries
// share a synthesis cache entry.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// implLabel names the transport behind a provider tag.
func implLabel(provider string) string {
	switch provider {
	case "duckduckgo":
		return "duckduckgo_html"
	case "brave":
		return "brave_api"
	case "":
		return "none"
	default:
		return provider
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
