package rerank

import (
	"strings"
	"unicode"
)

// SplitWindows cuts text into overlapping character windows for scoring.
// Text that fits in one window comes back as a single element. The step is
// window minus overlap; a degenerate overlap falls back to half a window.
func SplitWindows(text string, windowChars, overlapChars int) []string {
	if windowChars <= 0 {
		windowChars = 600
	}
	if overlapChars < 0 {
		overlapChars = 0
	}

	runes := []rune(text)
	if len(runes) <= windowChars {
		return []string{text}
	}

	step := windowChars - overlapChars
	if step <= 0 {
		step = windowChars / 2
	}

	var windows []string
	for i := 0; i < len(runes); i += step {
		end := i + windowChars
		if end > len(runes) {
			end = len(runes)
		}
		windows = append(windows, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return windows
}

// TokenOverlap is the deterministic scoring fallback: the fraction of query
// terms present in the passage. Terms shorter than three characters are
// ignored on both sides.
func TokenOverlap(query, passage string) float64 {
	queryTerms := termSet(query)
	if len(queryTerms) == 0 {
		return 0
	}

	passageTerms := termSet(passage)
	matched := 0
	for term := range queryTerms {
		if passageTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func termSet(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) > 2 {
			terms[tok] = true
		}
	}
	return terms
}
