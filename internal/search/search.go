// Package search provides web search providers and the primary/fallback
// chain that the research pipelines query through.
package search

import (
	"context"
	"errors"
	"time"
)

// ErrNoProvider is returned when neither the primary nor the fallback
// provider is usable.
var ErrNoProvider = errors.New("no search provider available")

// SearchResult is a single result from a provider, best-first ordered.
type SearchResult struct {
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Snippet        string    `json:"snippet"`
	Source         string    `json:"source,omitempty"`
	RelevanceScore float64   `json:"relevance_score,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Provider is a web search backend. Available reports whether the provider
// can be used at all (credential presence); it is probed once and cached.
type Provider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// DedupByURL drops results with duplicate or empty URLs, keeping the first
// occurrence and preserving order.
func DedupByURL(results []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r)
	}
	return out
}

// stampResults fills in provider attribution and a rank-derived relevance
// score for results a provider returned without them.
func stampResults(results []SearchResult, provider string) []SearchResult {
	now := time.Now().UTC()
	for i := range results {
		if results[i].Source == "" {
			results[i].Source = provider
		}
		if results[i].RelevanceScore == 0 {
			score := 1.0 - float64(i)*0.1
			if score < 0.1 {
				score = 0.1
			}
			results[i].RelevanceScore = score
		}
		if results[i].Timestamp.IsZero() {
			results[i].Timestamp = now
		}
	}
	return results
}
