// Package metadata builds the output-facing citation layer: URL-level
// deduplication, supporting quotes pulled from fetched content, and
// domain credibility flags.
package metadata

import (
	"regexp"
	"sort"
	"strings"

	"github.com/citeseek/citeseek/internal/fetch"
	"github.com/citeseek/citeseek/internal/rerank"
)

// MaxQuotes bounds the supporting quotes attached to one citation.
const MaxQuotes = 2

// Quote candidates outside these bounds are either fragments or whole
// paragraphs, neither of which reads as a quote.
const (
	minQuoteChars = 30
	maxQuoteChars = 400
)

// Citation is a numbered source reference attached to a research answer.
type Citation struct {
	ID         int      `json:"id"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Snippet    string   `json:"snippet,omitempty"`
	Source     string   `json:"source,omitempty"`
	Quotes     []string `json:"quotes,omitempty"`
	Trusted    bool     `json:"trusted,omitempty"`
	Suspicious bool     `json:"suspicious,omitempty"`
}

// Dedup drops citations that point at the same page, keeping the first
// occurrence and its position. URLs are compared in canonical form so
// tracking-parameter and trailing-slash variants collapse. The survivors
// are renumbered contiguously from 1.
func Dedup(citations []Citation) []Citation {
	seen := make(map[string]bool, len(citations))
	out := make([]Citation, 0, len(citations))
	for _, c := range citations {
		key := c.URL
		if norm, err := fetch.NormalizeURL(c.URL); err == nil {
			key = norm
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return Renumber(out)
}

// Renumber assigns contiguous IDs starting at 1, preserving order.
func Renumber(citations []Citation) []Citation {
	for i := range citations {
		citations[i].ID = i + 1
	}
	return citations
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+`)

// SplitSentences splits text on sentence-ending punctuation.
func SplitSentences(text string) []string {
	parts := sentenceBoundary.Split(text, -1)
	var sentences []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// ExtractQuotes picks up to MaxQuotes sentences from the source content that
// the answer reflects most strongly. Scoring reuses the reranker's token
// overlap so quote selection and result ordering agree on what "relevant"
// means. Ties keep document order.
func ExtractQuotes(content, answer string) []string {
	if strings.TrimSpace(content) == "" || strings.TrimSpace(answer) == "" {
		return nil
	}

	type scoredSentence struct {
		text  string
		score float64
	}
	var candidates []scoredSentence
	for _, sent := range SplitSentences(content) {
		if len(sent) < minQuoteChars || len(sent) > maxQuoteChars {
			continue
		}
		score := rerank.TokenOverlap(sent, answer)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scoredSentence{text: sent, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	quotes := make([]string, 0, MaxQuotes)
	for _, c := range candidates {
		quotes = append(quotes, c.text)
		if len(quotes) == MaxQuotes {
			break
		}
	}
	return quotes
}
