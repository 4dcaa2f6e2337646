package identity

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of JWT claims the widget cares about.
type Claims struct {
	Subject string
	Tenant  string
}

// Verifier validates identity-issued JWTs against the issuer's JWKS.
// One-time redirect tokens handed back by the login flow pass through here
// before they are trusted.
type Verifier struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewVerifier creates a Verifier that fetches JWKS from the issuer's
// well-known endpoint and refreshes it in the background.
func NewVerifier(issuer string) (*Verifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("identity: issuer URL is required")
	}
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("identity: fetch JWKS from %s: %w", jwksURL, err)
	}
	return &Verifier{issuer: issuer, jwks: jwks}, nil
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	tenant, _ := claims["tenant"].(string)

	return &Claims{Subject: sub, Tenant: tenant}, nil
}
