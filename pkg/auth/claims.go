// Package auth gates the HTTP surface. Requests authenticate with either
// the server API key or a JWT validated against the configured JWKS; the
// resolved claims carry the tenant that scopes conversation state.
package auth

import "context"

type contextKey string

const claimsContextKey contextKey = "ensemble_auth_claims"

// DefaultTenant is used when the credential carries no tenant claim, e.g.
// API-key auth in single-tenant deployments.
const DefaultTenant = "default"

// Claims are the validated identity attributes of one request.
type Claims struct {
	// Subject is the unique user id (sub claim).
	Subject string `json:"sub"`

	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`

	// TenantID scopes conversations and agent state.
	TenantID string `json:"tenant_id,omitempty"`

	// Custom holds claims not mapped to struct fields.
	Custom map[string]any `json:"-"`
}

// Tenant returns the claim's tenant, defaulting for credentials without one.
func (c *Claims) Tenant() string {
	if c == nil || c.TenantID == "" {
		return DefaultTenant
	}
	return c.TenantID
}

func (c *Claims) HasRole(role string) bool {
	return c != nil && c.Role == role
}

// ClaimsFromContext extracts the request claims, nil when unauthenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a context carrying the claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
