package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySet validates static API keys configured at startup. Keys are held as
// SHA256 hashes so raw secrets do not sit in memory longer than needed.
type KeySet struct {
	hashes map[string]string // hash -> key name
}

// NewKeySet builds a key set from configured entries. Each entry is either a
// bare key or "name:key"; the name becomes the caller subject.
func NewKeySet(entries []string) *KeySet {
	ks := &KeySet{hashes: make(map[string]string, len(entries))}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name := fmt.Sprintf("key-%d", i+1)
		key := entry
		if idx := strings.IndexByte(entry, ':'); idx > 0 {
			name = entry[:idx]
			key = entry[idx+1:]
		}
		ks.hashes[hashToken(key)] = name
	}
	return ks
}

// Empty reports whether no keys are configured.
func (k *KeySet) Empty() bool { return len(k.hashes) == 0 }

// Validate checks an API key and returns the caller identity.
func (k *KeySet) Validate(apiKey string) (*Identity, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("empty API key")
	}
	candidate := hashToken(apiKey)
	for hash, name := range k.hashes {
		if compareTokenHash(candidate, hash) {
			return &Identity{
				Subject:  name,
				Role:     RoleUser,
				Scopes:   scopesForRole(RoleUser),
				Method:   "api_key",
				IsAPIKey: true,
			}, nil
		}
	}
	return nil, fmt.Errorf("unknown API key")
}

// hashToken creates a SHA256 hash of a token
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// compareTokenHash performs constant-time comparison of token hashes
func compareTokenHash(hash1, hash2 string) bool {
	return subtle.ConstantTimeCompare([]byte(hash1), []byte(hash2)) == 1
}
