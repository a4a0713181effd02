package metadata

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/citeseek/citeseek/internal/fetch"
)

// Credibility holds the domain reputation lists used to flag citations.
// Matching is by domain suffix, so "example.com" covers its subdomains.
type Credibility struct {
	TrustedSuffixes   []string `yaml:"trusted_suffixes"`
	TrustedDomains    []string `yaml:"trusted_domains"`
	SuspiciousDomains []string `yaml:"suspicious_domains"`
}

// DefaultCredibility returns the built-in reputation lists used when no
// config file is present.
func DefaultCredibility() *Credibility {
	return &Credibility{
		TrustedSuffixes: []string{".gov", ".edu"},
		TrustedDomains: []string{
			"wikipedia.org",
			"arxiv.org",
			"nature.com",
			"reuters.com",
			"apnews.com",
		},
	}
}

// LoadCredibility reads the reputation lists from a yaml file. A missing or
// unparseable file falls back to the defaults with a warning; an empty path
// means the defaults were asked for.
func LoadCredibility(path string, logger *zap.Logger) *Credibility {
	if path == "" {
		return DefaultCredibility()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Credibility config not loaded, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return DefaultCredibility()
	}

	var c Credibility
	if err := yaml.Unmarshal(data, &c); err != nil {
		logger.Warn("Credibility config not parseable, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return DefaultCredibility()
	}
	return &c
}

// Assess reports the reputation flags for a URL's domain.
func (c *Credibility) Assess(rawURL string) (trusted, suspicious bool) {
	domain, err := fetch.ExtractDomain(rawURL)
	if err != nil || domain == "" {
		return false, false
	}

	for _, suffix := range c.TrustedSuffixes {
		if strings.HasSuffix(domain, strings.ToLower(suffix)) {
			trusted = true
			break
		}
	}
	if !trusted {
		for _, rule := range c.TrustedDomains {
			if hostMatches(domain, strings.ToLower(rule)) {
				trusted = true
				break
			}
		}
	}
	for _, rule := range c.SuspiciousDomains {
		if hostMatches(domain, strings.ToLower(rule)) {
			suspicious = true
			break
		}
	}
	return trusted, suspicious
}

// Annotate stamps reputation flags onto each citation.
func (c *Credibility) Annotate(citations []Citation) []Citation {
	for i := range citations {
		citations[i].Trusted, citations[i].Suspicious = c.Assess(citations[i].URL)
	}
	return citations
}

func hostMatches(host, rule string) bool {
	return host == rule || strings.HasSuffix(host, "."+rule)
}
