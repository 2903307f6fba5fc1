package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// JWTValidator validates tokens against the provider's JWKS. Keys are
// cached and refreshed so provider key rotation needs no restart.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTValidator builds a validator from the server auth config and
// performs an initial JWKS fetch to fail fast on bad configuration.
func NewJWTValidator(ctx context.Context, cfg *config.AuthConfig) (*JWTValidator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// Validate checks signature, expiry, issuer and audience, then extracts
// the claims the runtime cares about.
func (v *JWTValidator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if email, ok := token.Get("email"); ok {
		claims.Email, _ = email.(string)
	}
	if role, ok := token.Get("role"); ok {
		claims.Role, _ = role.(string)
	}
	if tenant, ok := token.Get("tenant_id"); ok {
		claims.TenantID, _ = tenant.(string)
	}

	reserved := map[string]bool{
		"sub": true, "email": true, "role": true, "tenant_id": true,
		"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true,
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, _ := pair.Key.(string)
		if !reserved[key] {
			claims.Custom[key] = pair.Value
		}
	}
	return claims, nil
}
