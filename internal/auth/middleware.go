package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// Middleware provides HTTP authentication using static API keys and JWTs.
type Middleware struct {
	keys       *KeySet
	jwtManager *JWTManager
	skipAuth   bool // For development/testing
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(keys *KeySet, jwtManager *JWTManager, skipAuth bool) *Middleware {
	return &Middleware{
		keys:       keys,
		jwtManager: jwtManager,
		skipAuth:   skipAuth,
	}
}

// Wrap authenticates the request and attaches the caller identity to the
// context. Identity.Subject is what the rate limiter keys on.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if configured (for development)
		if m.skipAuth {
			id := AnonymousIdentity(clientAddr(r))
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		// API key header first
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			id, err := m.keys.Validate(apiKey)
			if err != nil {
				sendUnauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		// Bearer JWT
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, err := ExtractBearerToken(authHeader)
			if err != nil {
				sendUnauthorized(w, "Invalid authorization header")
				return
			}
			id, err := m.jwtManager.ValidateToken(token)
			if err != nil {
				sendUnauthorized(w, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		// Browser EventSource cannot send custom headers, so the stream
		// endpoints accept the key as a query parameter.
		if strings.Contains(r.URL.Path, "/stream") {
			if qKey := r.URL.Query().Get("api_key"); qKey != "" {
				id, err := m.keys.Validate(qKey)
				if err != nil {
					sendUnauthorized(w, "Invalid API key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
		}

		sendUnauthorized(w, "API key is required")
	})
}

// clientAddr returns the caller's address without the port, preferring
// X-Forwarded-For when present.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="citeseek"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
