package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citeseek/citeseek/internal/cache"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/metrics"
	"github.com/citeseek/citeseek/internal/ratelimit"
)

// Failure reasons recorded in Result.Error. HTTP failures use "http_<status>".
const (
	ReasonBlockedDomain    = "blocked_domain"
	ReasonRateLimited      = "rate_limited"
	ReasonTooLarge         = "too_large"
	ReasonUnsupportedType  = "unsupported_type"
	ReasonExtractionFailed = "extraction_failed"
	ReasonTimeout          = "timeout"
	ReasonOther            = "other"
)

const (
	maxContentChars   = 10000
	maxTokensEstimate = 3000

	defaultConcurrency = 5
	defaultMaxFetch    = 5
	defaultTimeout     = 20 * time.Second
	defaultMaxBytes    = 2 << 20
	defaultCacheSize   = 512
	defaultUserAgent   = "citeseek/1.0 (+https://github.com/citeseek/citeseek)"
)

var errTooLarge = errors.New("response exceeds size limit")

// Result is the outcome of fetching one URL. Exactly one of Content and
// Error is populated: an empty Content always carries a failure reason,
// and a successful extraction never carries one.
type Result struct {
	URL            string     `json:"url"`
	CanonicalURL   string     `json:"canonical_url"`
	Content        string     `json:"content,omitempty"`
	ContentType    string     `json:"content_type,omitempty"`
	Title          string     `json:"title,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	ExtractedAt    time.Time  `json:"extracted_at"`
	TokensEstimate int        `json:"tokens_estimate,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// OK reports whether the fetch produced usable content.
func (r Result) OK() bool {
	return r.Error == ""
}

// Service downloads pages and extracts readable text from them. Every URL
// passes through canonicalization, a content cache, domain allow/block rules,
// robots.txt, and a per-domain pacing limiter before any bytes move.
type Service struct {
	cfg    config.FetchConfig
	client *http.Client
	cache  *cache.Memory
	pacer  *ratelimit.DomainPacer
	robots *robotsCache
	rules  func() config.DomainRules
	logger *zap.Logger
}

// NewService builds a fetch service. rules supplies the current domain
// allow/block lists so hot reloads take effect without a restart; a nil
// rules func serves the static lists from cfg.
func NewService(cfg config.FetchConfig, rules func() config.DomainRules, logger *zap.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = defaultMaxFetch
	}
	if cfg.TimeoutS <= 0 {
		cfg.TimeoutS = int(defaultTimeout / time.Second)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if rules == nil {
		static := config.DomainRules{Allowed: cfg.AllowedDomains, Blocked: cfg.BlockedDomains}
		rules = func() config.DomainRules { return static }
	}

	client := &http.Client{Timeout: cfg.Timeout()}
	return &Service{
		cfg:    cfg,
		client: client,
		cache:  cache.NewMemory(cfg.CacheSize),
		pacer:  ratelimit.NewDomainPacer(cfg.DomainPerMin),
		robots: newRobotsCache(client, cfg.UserAgent, logger),
		rules:  rules,
		logger: logger,
	}
}

// FetchURL fetches a single URL. Failures are reported in the Result, never
// as an error value.
func (s *Service) FetchURL(ctx context.Context, rawURL string) Result {
	start := time.Now()
	res := s.fetchOne(ctx, rawURL)
	metrics.RecordFetch(outcomeLabel(res.Error), time.Since(start).Seconds())
	if !res.OK() {
		s.logger.Debug("Fetch failed",
			zap.String("url", rawURL),
			zap.String("reason", res.Error),
		)
	}
	return res
}

// FetchMultiple fetches up to MaxFetch URLs concurrently and returns exactly
// one result per input URL in input order. URLs beyond the cap are not
// fetched and come back error-carrying; a failing URL never blocks its
// siblings.
func (s *Service) FetchMultiple(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))

	limit := len(urls)
	if limit > s.cfg.MaxFetch {
		limit = s.cfg.MaxFetch
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, u := range urls[:limit] {
		g.Go(func() error {
			results[i] = s.FetchURL(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	for i := limit; i < len(urls); i++ {
		results[i] = Result{
			URL:          urls[i],
			CanonicalURL: urls[i],
			ExtractedAt:  now,
			Error:        ReasonOther,
		}
	}
	return results
}

func (s *Service) fetchOne(ctx context.Context, rawURL string) Result {
	res := Result{URL: rawURL, ExtractedAt: time.Now().UTC()}

	canonical, err := NormalizeURL(rawURL)
	if err != nil {
		res.CanonicalURL = rawURL
		res.Error = ReasonOther
		return res
	}
	res.CanonicalURL = canonical

	cacheKey := cache.HashKey("fetch:" + canonical)
	if raw, ok := s.cache.Get(ctx, cacheKey); ok {
		var cached Result
		if err := json.Unmarshal(raw, &cached); err == nil {
			metrics.FetchCacheHits.WithLabelValues("hit").Inc()
			cached.URL = rawURL
			return cached
		}
	}
	metrics.FetchCacheHits.WithLabelValues("miss").Inc()

	domain, err := ExtractDomain(canonical)
	if err != nil || domain == "" {
		res.Error = ReasonOther
		return res
	}

	if !s.domainAllowed(domain) {
		res.Error = ReasonBlockedDomain
		return res
	}
	if s.cfg.RespectRobots && !s.robots.Allowed(ctx, canonical) {
		res.Error = ReasonBlockedDomain
		return res
	}
	if !s.pacer.Allow(domain) {
		res.Error = ReasonRateLimited
		return res
	}

	body, contentType, status, err := s.download(ctx, canonical)
	if err != nil {
		res.Error = classifyFetchError(err, status)
		return res
	}

	mt := mediaType(contentType)
	res.ContentType = mt

	var text, title string
	var published *time.Time
	switch {
	case isHTML(mt):
		text, title, published, err = extractHTML(body, canonical)
	case isPDF(mt, canonical):
		text, err = extractPDF(body)
	default:
		res.Error = ReasonUnsupportedType
		return res
	}
	if err != nil || strings.TrimSpace(text) == "" {
		res.Error = ReasonExtractionFailed
		return res
	}

	res.Title = title
	res.PublishedAt = published
	res.Content = capContent(text)
	res.TokensEstimate = EstimateTokens(res.Content)

	if raw, merr := json.Marshal(res); merr == nil {
		s.cache.Set(ctx, cacheKey, raw, s.cfg.CacheTTL())
	}
	return res
}

func (s *Service) download(ctx context.Context, target string) (body []byte, contentType string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if resp.ContentLength > s.cfg.MaxBytes {
		return nil, "", 0, errTooLarge
	}

	// LimitReader backstops servers that lie about (or omit) Content-Length.
	body, err = io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", 0, err
	}
	if int64(len(body)) > s.cfg.MaxBytes {
		return nil, "", 0, errTooLarge
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func (s *Service) domainAllowed(host string) bool {
	rules := s.rules()
	for _, d := range rules.Blocked {
		if domainMatches(host, strings.ToLower(d)) {
			return false
		}
	}
	if len(rules.Allowed) == 0 {
		return true
	}
	for _, d := range rules.Allowed {
		if domainMatches(host, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func classifyFetchError(err error, status int) string {
	if errors.Is(err, errTooLarge) {
		return ReasonTooLarge
	}
	if status > 0 && status != http.StatusOK {
		return fmt.Sprintf("http_%d", status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonOther
}

// outcomeLabel collapses per-status reasons so the fetch outcome metric keeps
// a bounded label set.
func outcomeLabel(reason string) string {
	switch {
	case reason == "":
		return "ok"
	case strings.HasPrefix(reason, "http_"):
		return "http_error"
	default:
		return reason
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func isPDF(mediaType, target string) bool {
	if mediaType == "application/pdf" {
		return true
	}
	if mediaType != "" && mediaType != "application/octet-stream" {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// EstimateTokens approximates LLM token usage from the word count. The 1.3
// multiplier matches typical English tokenization; the estimate is capped so
// one giant page cannot dominate an evidence budget.
func EstimateTokens(text string) int {
	tokens := int(math.Round(float64(len(strings.Fields(text))) * 1.3))
	if tokens > maxTokensEstimate {
		tokens = maxTokensEstimate
	}
	return tokens
}

func capContent(s string) string {
	runes := []rune(s)
	if len(runes) <= maxContentChars {
		return s
	}
	return string(runes[:maxContentChars])
}
