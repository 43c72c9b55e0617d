// Package tokens defines the token set held per authenticated principal and
// the claim structures derived from validated JWTs.
package tokens

import (
	"time"

	"github.com/commercekit/storegate/pkg/autherr"
)

// RefreshBuffer is the window before access-token expiry in which a refresh
// should be performed. Refreshing earlier risks the IdP rejecting a
// still-valid refresh token as not yet refreshable, so this must stay small.
const RefreshBuffer = 30 * time.Second

// TokenSet holds the tokens for one authenticated principal. It is created
// on code exchange or refresh and is replaced, never mutated, by the refresh
// engine so concurrent readers always observe a consistent snapshot.
type TokenSet struct {
	// AccessToken is the bearer token presented to the backend API. Opaque
	// to holders; internally a JWT issued by the IdP.
	AccessToken string

	// RefreshToken is used to obtain new access tokens. Empty for
	// non-refreshable sessions and cleared on terminal refresh failure,
	// forcing re-authentication.
	RefreshToken string

	// IDToken is the OIDC ID token from the authorization-code exchange.
	IDToken string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time

	// RefreshExpiresAt is when the refresh token expires, if the IdP
	// reported it. Zero when unknown.
	RefreshExpiresAt time.Time

	// Roles is the deduplicated union of realm and client roles extracted
	// from the current access token.
	Roles []string

	// LastError records the most recent failure affecting this token set.
	// Consumers must not trust the session for privileged operations while
	// it is non-empty.
	LastError autherr.Code
}

// NeedsRefresh reports whether the access token is within buffer of expiry.
// Nil token sets always need refreshing.
func (t *TokenSet) NeedsRefresh(buffer time.Duration) bool {
	if t == nil {
		return true
	}
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

// Refreshable reports whether the token set still carries a refresh token.
func (t *TokenSet) Refreshable() bool {
	return t != nil && t.RefreshToken != ""
}

// Clone returns a shallow copy with its own roles slice.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Roles = append([]string(nil), t.Roles...)
	return &cp
}

// DecodedClaims is the validated view of a JWT. Derived per validation call
// and discarded, never persisted.
type DecodedClaims struct {
	// Subject is the stable principal identifier (sub claim).
	Subject string

	// Email is the principal's email address, when present.
	Email string

	// Name is the principal's display name, when present.
	Name string

	// RealmRoles are the realm-level roles (realm_access.roles).
	RealmRoles []string

	// ClientRoles maps each OAuth client id to its role set
	// (resource_access.<client>.roles).
	ClientRoles map[string][]string

	// Nonce binds the token to the authorization request that produced it.
	Nonce string

	// IssuedAt is the iat claim.
	IssuedAt time.Time

	// ExpiresAt is the exp claim.
	ExpiresAt time.Time
}

// Roles returns the deduplicated union of realm and client roles. The union
// is computed identically regardless of which token the claims came from,
// since ID and access tokens are used interchangeably as role sources.
func (c *DecodedClaims) Roles() []string {
	if c == nil {
		return nil
	}
	return unionRoles(c.RealmRoles, c.ClientRoles)
}
