package auth

import (
	"context"
	"fmt"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// IdentityContextKey is the context key for caller identity
	IdentityContextKey ContextKey = "identity"
)

// Roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Scopes
const (
	ScopeResearchRead  = "research:read"
	ScopeResearchWrite = "research:write"
	ScopeJobsManage    = "jobs:manage"
)

// Identity describes the authenticated caller. Subject doubles as the
// per-caller rate limit key.
type Identity struct {
	Subject  string   `json:"subject"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
	Method   string   `json:"method"` // jwt, api_key, anonymous
	IsAPIKey bool     `json:"is_api_key"`
}

// AnonymousIdentity is used when authentication is disabled. The caller's
// remote address is substituted as the subject by the middleware.
func AnonymousIdentity(subject string) *Identity {
	return &Identity{
		Subject: subject,
		Role:    RoleUser,
		Scopes:  []string{ScopeResearchRead, ScopeResearchWrite, ScopeJobsManage},
		Method:  "anonymous",
	}
}

// GetIdentity extracts the caller identity from context.
func GetIdentity(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	if !ok {
		return nil, fmt.Errorf("missing identity in context")
	}
	return id, nil
}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// RequireScopes checks that the caller holds all required scopes.
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	id, err := GetIdentity(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		found := false
		for _, scope := range id.Scopes {
			if scope == required {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("missing required scope: %s", required)
		}
	}
	return nil
}

// scopesForRole returns the default scopes for a role.
func scopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeResearchRead, ScopeResearchWrite, ScopeJobsManage}
	default:
		return []string{ScopeResearchRead, ScopeResearchWrite}
	}
}
