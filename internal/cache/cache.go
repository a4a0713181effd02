// Package cache provides the process-wide caches used by the search, fetch
// and synthesis layers: a TTL- and size-bounded in-memory store and a
// Redis-backed store behind the same interface.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Cache is the storage contract shared by the in-memory and Redis backends.
// Values are opaque bytes; callers marshal their own payloads.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// HashKey derives a short stable cache key from arbitrary input.
func HashKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

type memEntry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// Memory is a mutex-guarded map with TTL expiry and oldest-first eviction
// once maxSize is reached. Expired entries are invisible to Get but stay
// resident until evicted, so GetStale can serve them as a last resort.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	maxSize int
	now     func() time.Time
}

// NewMemory builds an empty cache bounded to maxSize entries.
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &Memory{
		entries: make(map[string]*memEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetStale returns the value for key even when its TTL has passed. The second
// return reports presence, the third freshness.
func (m *Memory) GetStale(_ context.Context, key string) ([]byte, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, false
	}
	return e.value, true, !m.now().After(e.expiresAt)
}

// Set stores value under key, evicting the oldest entry when full.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxSize {
		m.evictOldest()
	}
	m.entries[key] = &memEntry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len reports the number of resident entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictOldest removes the entry with the earliest creation time.
// Caller holds the lock.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.createdAt.Before(oldest) {
			oldestKey = k
			oldest = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
