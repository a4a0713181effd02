package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a URL so cache keys and citation dedup agree
// on what counts as the same page:
// - lowercases scheme and host, strips a leading "www."
// - drops the fragment
// - removes tracking query parameters (any utm_* plus click identifiers)
// - trims the trailing slash from the path
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if strings.HasPrefix(parsed.Host, "www.") {
		parsed.Host = parsed.Host[4:]
	}

	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for param := range q {
			if isTrackingParam(param) {
				q.Del(param)
			}
		}
		parsed.RawQuery = q.Encode()
	}

	if strings.HasSuffix(parsed.Path, "/") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}

	return parsed.String(), nil
}

func isTrackingParam(name string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	switch name {
	case "fbclid", "gclid", "msclkid", "ref", "source":
		return true
	}
	return false
}

// ExtractDomain returns the lowercase host from a URL, removing any port and a
// leading "www." but preserving other subdomains when present.
// Example: "https://blog.example.com/path" -> "blog.example.com"
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	host := strings.ToLower(parsed.Host)

	if colonIndex := strings.Index(host, ":"); colonIndex != -1 {
		host = host[:colonIndex]
	}

	if strings.HasPrefix(host, "www.") {
		host = host[4:]
	}

	return host, nil
}

// domainMatches reports whether host equals rule or is a subdomain of it.
// Rules are bare domains ("example.com" matches "docs.example.com").
func domainMatches(host, rule string) bool {
	return host == rule || strings.HasSuffix(host, "."+rule)
}
