package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, a *Authenticator, authorization string) (*httptest.ResponseRecorder, *Claims) {
	t.Helper()

	var got *Claims
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got
}

func TestAPIKeyAccepted(t *testing.T) {
	a := NewAuthenticator("secret-key", nil, true)

	rec, claims := probe(t, a, "Bearer secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, DefaultTenant, claims.Tenant())
}

func TestWrongAPIKeyRejected(t *testing.T) {
	a := NewAuthenticator("secret-key", nil, true)

	rec, _ := probe(t, a, "Bearer not-the-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingHeaderRejected(t *testing.T) {
	a := NewAuthenticator("secret-key", nil, true)

	rec, _ := probe(t, a, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedHeaderRejected(t *testing.T) {
	a := NewAuthenticator("secret-key", nil, true)

	rec, _ := probe(t, a, "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenModeAllowsUnauthenticated(t *testing.T) {
	a := NewAuthenticator("", nil, false)

	rec, claims := probe(t, a, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, DefaultTenant, claims.Tenant())
}

func TestClaimsTenantDefaults(t *testing.T) {
	assert.Equal(t, DefaultTenant, (&Claims{}).Tenant())
	assert.Equal(t, "acme", (&Claims{TenantID: "acme"}).Tenant())
	var nilClaims *Claims
	assert.Equal(t, DefaultTenant, nilClaims.Tenant())
}
