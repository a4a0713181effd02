package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeSensitivePolicy classifies queries whose answers change over time.
// Such queries bypass result caching and get the current year appended.
type TimeSensitivePolicy func(query string) bool

var timeSensitiveKeywords = map[string]bool{
	"latest":  true,
	"recent":  true,
	"news":    true,
	"today":   true,
	"current": true,
	"now":     true,
}

var yearPattern = regexp.MustCompile(`^(19|20)\d{2}$`)

// DefaultTimeSensitive flags queries containing freshness keywords or a
// year close to the present.
func DefaultTimeSensitive(query string) bool {
	currentYear := time.Now().Year()
	for _, word := range tokenizeQuery(query) {
		if timeSensitiveKeywords[word] {
			return true
		}
		if yearPattern.MatchString(word) {
			if y, err := strconv.Atoi(word); err == nil && y >= currentYear-1 && y <= currentYear+1 {
				return true
			}
		}
	}
	return false
}

// RewriteWithYear appends the year to a query that does not already carry it,
// nudging providers toward fresh results.
func RewriteWithYear(query string, year int) string {
	ys := strconv.Itoa(year)
	if strings.Contains(query, ys) {
		return query
	}
	return query + " " + ys
}

func tokenizeQuery(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
