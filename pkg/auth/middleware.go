package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator resolves bearer credentials to claims. The API key is
// matched first with a constant-time compare; anything else is treated as
// a JWT when a validator is configured.
type Authenticator struct {
	apiKey    string
	validator *JWTValidator
	required  bool
}

// NewAuthenticator builds the request gate. An empty API key with no
// validator leaves the surface open (development only) unless required.
func NewAuthenticator(apiKey string, validator *JWTValidator, required bool) *Authenticator {
	return &Authenticator{apiKey: apiKey, validator: validator, required: required}
}

// Middleware authenticates every request, rejecting with 401 on missing or
// bad credentials and attaching claims to the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			if a.open() {
				next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), &Claims{})))
				return
			}
			unauthorized(w, "missing bearer token")
			return
		}

		if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1 {
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), &Claims{})))
			return
		}

		if a.validator != nil {
			claims, err := a.validator.Validate(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
			return
		}

		unauthorized(w, "invalid credentials")
	})
}

// open reports whether unauthenticated access is allowed.
func (a *Authenticator) open() bool {
	return a.apiKey == "" && a.validator == nil && !a.required
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
