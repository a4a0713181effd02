// Package ratelimit provides non-blocking admission control: a sliding-window
// limiter keyed by caller identity and a per-domain pacer for outbound fetches.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SlidingWindow tracks request timestamps per key and admits a request only
// while fewer than limit timestamps fall inside the window. State is held in
// process memory; a restart clears all counters.
type SlidingWindow struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

// NewSlidingWindow returns an empty limiter.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether one more request for key fits within limit per window.
// Stale timestamps are purged on every call; a true result records the request.
// Non-blocking: callers decide whether to reject or queue on false.
func (s *SlidingWindow) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	q := s.entries[key]
	kept := q[:0]
	for _, t := range q {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		s.entries[key] = kept
		return false
	}
	s.entries[key] = append(kept, now)
	return true
}

// Remaining reports how many requests key has left in the current window.
func (s *SlidingWindow) Remaining(key string, limit int, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	n := 0
	for _, t := range s.entries[key] {
		if t.After(cutoff) {
			n++
		}
	}
	if n >= limit {
		return 0
	}
	return limit - n
}

// Reset drops all recorded state for key.
func (s *SlidingWindow) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// DomainPacer enforces a fixed requests-per-minute budget per domain with an
// independent token bucket for each domain. Used by the fetch pipeline.
type DomainPacer struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDomainPacer builds a pacer admitting perMinute requests per domain.
func NewDomainPacer(perMinute int) *DomainPacer {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &DomainPacer{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether domain has budget for one more request right now.
func (p *DomainPacer) Allow(domain string) bool {
	return p.limiterFor(domain).Allow()
}

func (p *DomainPacer) limiterFor(domain string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(p.perMinute)/60.0), p.perMinute)
		p.limiters[domain] = l
	}
	return l
}
