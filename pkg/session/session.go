// Package session projects validated tokens into the read-only session
// consumed by the rest of the application, and owns the per-principal
// session store.
package session

import (
	"context"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/tokens"
)

// Session is the consumer-facing view of an authenticated principal.
// Downstream code must treat a non-empty Error as "do not trust this session
// for privileged operations", regardless of whether AccessToken is still
// populated.
type Session struct {
	// Subject is the stable principal id.
	Subject string `json:"subject"`

	// Email is the principal's email address, when known.
	Email string `json:"email,omitempty"`

	// Name is the principal's display name, when known.
	Name string `json:"name,omitempty"`

	// AccessToken is the bearer token for backend calls.
	AccessToken string `json:"accessToken"`

	// Roles is the deduplicated role set.
	Roles []string `json:"roles"`

	// Error is the most recent failure affecting this session, empty when
	// healthy.
	Error autherr.Code `json:"error,omitempty"`
}

// HasRole reports whether the session carries the given role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Project maps a token set and its decoded claims into the consumer view.
// It is recomputed on every refresh so role changes at the IdP propagate on
// the next refresh without a fresh login.
func Project(ts *tokens.TokenSet, claims *tokens.DecodedClaims) *Session {
	s := &Session{}
	if claims != nil {
		s.Subject = claims.Subject
		s.Email = claims.Email
		s.Name = claims.Name
	}
	if ts != nil {
		s.AccessToken = ts.AccessToken
		s.Roles = append([]string(nil), ts.Roles...)
		s.Error = ts.LastError
	}
	if s.Roles == nil {
		s.Roles = []string{}
	}
	return s
}

// contextKey is the context key type for sessions. An empty struct type
// cannot collide with keys from other packages.
type contextKey struct{}

// WithSession stores a session in the context. A nil session returns the
// original context unchanged.
func WithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext retrieves the session from the context.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok
}
