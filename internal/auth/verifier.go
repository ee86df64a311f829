// Package auth verifies principal tokens and resolves them into fully
// loaded principals with their membership sets.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/HendryAvila/atlas/internal/kb"
)

// Claims are the token claims understood by the engine: the subject user id
// plus the optional active organization and project context.
type Claims struct {
	OrganizationID string `json:"org,omitempty"`
	ProjectID      string `json:"prj,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 principal tokens and loads the principal's
// memberships from the store. Tokens are verified on every tool call; there
// is no session cache, so a revoked membership takes effect immediately.
type Verifier struct {
	secret []byte
	issuer string
	store  *kb.Store
}

// NewVerifier creates a Verifier with the shared signing secret.
func NewVerifier(secret, issuer string, store *kb.Store) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, store: store}
}

// Verify parses and validates a token, then loads the principal it names.
func (v *Verifier) Verify(ctx context.Context, token string) (*kb.Principal, error) {
	if token == "" {
		return nil, kb.NewUnauthorized("missing principal token", "supply principal_token with every call")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, kb.NewUnauthorized("invalid principal token", "obtain a fresh token and retry")
	}
	if claims.Subject == "" {
		return nil, kb.NewUnauthorized("principal token has no subject", "obtain a fresh token and retry")
	}

	principal, err := v.store.LoadPrincipal(ctx, claims.Subject, claims.OrganizationID, claims.ProjectID)
	if err != nil {
		return nil, err
	}
	return principal, nil
}

// Issue mints a token for the given subject. Used by tests and by local
// bootstrap tooling; production deployments issue tokens out of band.
func (v *Verifier) Issue(userID, orgID, projectID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		OrganizationID: orgID,
		ProjectID:      projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
