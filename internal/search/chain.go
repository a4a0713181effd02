package search

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/cache"
	"github.com/citeseek/citeseek/internal/metrics"
	"github.com/citeseek/citeseek/internal/ratelimit"
)

// ChainConfig bounds the chain's result cache and per-query request volume.
type ChainConfig struct {
	QueryLimit  int           // searches allowed per distinct query per window
	QueryWindow time.Duration
	CacheSize   int
	CacheTTL    time.Duration
}

// Chain fronts a primary and a fallback provider with result caching,
// per-query rate limiting and time-sensitivity handling.
type Chain struct {
	primary  Provider
	fallback Provider

	limiter     *ratelimit.SlidingWindow
	queryLimit  int
	queryWindow time.Duration

	cache    *cache.Memory
	cacheTTL time.Duration

	isTimeSensitive TimeSensitivePolicy
	logger          *zap.Logger
	now             func() time.Time
}

// NewChain builds the provider chain. Either provider may be nil.
func NewChain(primary, fallback Provider, cfg ChainConfig, logger *zap.Logger) *Chain {
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 10
	}
	if cfg.QueryWindow <= 0 {
		cfg.QueryWindow = time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Chain{
		primary:         primary,
		fallback:        fallback,
		limiter:         ratelimit.NewSlidingWindow(),
		queryLimit:      cfg.QueryLimit,
		queryWindow:     cfg.QueryWindow,
		cache:           cache.NewMemory(cfg.CacheSize),
		cacheTTL:        cfg.CacheTTL,
		isTimeSensitive: DefaultTimeSensitive,
		logger:          logger,
		now:             time.Now,
	}
}

// SetTimeSensitivePolicy replaces the query classifier.
func (c *Chain) SetTimeSensitivePolicy(p TimeSensitivePolicy) {
	if p != nil {
		c.isTimeSensitive = p
	}
}

// Primary returns the name of the provider tried first.
func (c *Chain) Primary() string {
	if c.primary != nil {
		return c.primary.Name()
	}
	return ""
}

// Providers lists configured providers with their availability, for health
// reporting.
func (c *Chain) Providers() map[string]bool {
	out := make(map[string]bool, 2)
	if c.primary != nil {
		out[c.primary.Name()] = c.primary.Available()
	}
	if c.fallback != nil {
		out[c.fallback.Name()] = c.fallback.Available()
	}
	return out
}

// Search runs a query through the chain. Results are deduplicated by URL and
// capped to maxResults. Time-sensitive queries bypass the cache and carry the
// current year; cached results are served for repeats of other queries. When
// a single query exceeds its rate limit the last cached result is served even
// if expired, else an empty list.
func (c *Chain) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	timeSensitive := c.isTimeSensitive(query)
	effective := query
	if timeSensitive {
		effective = RewriteWithYear(query, c.now().Year())
	}
	cacheKey := cache.HashKey("search:" + effective)

	if timeSensitive {
		metrics.SearchCacheHits.WithLabelValues("bypass").Inc()
	} else {
		if raw, ok := c.cache.Get(ctx, cacheKey); ok {
			if cached, err := decodeResults(raw); err == nil {
				metrics.SearchCacheHits.WithLabelValues("hit").Inc()
				return cached, nil
			}
		}
		metrics.SearchCacheHits.WithLabelValues("miss").Inc()
	}

	if !c.limiter.Allow("query:"+query, c.queryLimit, c.queryWindow) {
		if raw, ok, _ := c.cache.GetStale(ctx, cacheKey); ok {
			if cached, err := decodeResults(raw); err == nil {
				metrics.SearchCacheHits.WithLabelValues("stale").Inc()
				c.logger.Warn("Serving stale search results, query over rate limit",
					zap.String("query", query))
				return cached, nil
			}
		}
		c.logger.Warn("Search query over rate limit, no cached results",
			zap.String("query", query))
		return []SearchResult{}, nil
	}

	results, err := c.searchProviders(ctx, effective, maxResults)
	if err != nil {
		return nil, err
	}

	results = DedupByURL(results)
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	if !timeSensitive && len(results) > 0 {
		if raw, err := json.Marshal(results); err == nil {
			c.cache.Set(ctx, cacheKey, raw, c.cacheTTL)
		}
	}
	return results, nil
}

// searchProviders tries the primary then the fallback. Per-provider failures
// degrade; only both-unavailable is an error.
func (c *Chain) searchProviders(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	primaryUp := c.primary != nil && c.primary.Available()
	fallbackUp := c.fallback != nil && c.fallback.Available()
	if !primaryUp && !fallbackUp {
		return nil, ErrNoProvider
	}

	if primaryUp {
		results, err := c.primary.Search(ctx, query, maxResults)
		if err == nil && len(results) > 0 {
			metrics.RecordSearch(c.primary.Name(), "ok")
			return stampResults(results, c.primary.Name()), nil
		}
		if err != nil {
			metrics.RecordSearch(c.primary.Name(), "error")
			c.logger.Warn("Primary search provider failed",
				zap.String("provider", c.primary.Name()),
				zap.Error(err))
		} else {
			metrics.RecordSearch(c.primary.Name(), "empty")
		}
	}

	if fallbackUp {
		results, err := c.fallback.Search(ctx, query, maxResults)
		if err != nil {
			metrics.RecordSearch(c.fallback.Name(), "error")
			c.logger.Warn("Fallback search provider failed",
				zap.String("provider", c.fallback.Name()),
				zap.Error(err))
			return []SearchResult{}, nil
		}
		if len(results) == 0 {
			metrics.RecordSearch(c.fallback.Name(), "empty")
			return []SearchResult{}, nil
		}
		metrics.RecordSearch(c.fallback.Name(), "ok")
		return stampResults(results, c.fallback.Name()), nil
	}

	return []SearchResult{}, nil
}

func decodeResults(raw []byte) ([]SearchResult, error) {
	var results []SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}
