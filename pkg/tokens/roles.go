package tokens

import (
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Keycloak claim names for the two-tier role model.
const (
	realmAccessClaim    = "realm_access"
	resourceAccessClaim = "resource_access"
	rolesField          = "roles"
)

// DecodeClaims maps raw JWT claims into DecodedClaims. Malformed role
// structures yield zero extracted roles rather than an error; the claim
// shape is provider data and must never crash the gateway.
func DecodeClaims(claims jwt.MapClaims) *DecodedClaims {
	decoded := &DecodedClaims{
		Subject:     stringClaim(claims, "sub"),
		Email:       stringClaim(claims, "email"),
		Name:        stringClaim(claims, "name"),
		Nonce:       stringClaim(claims, "nonce"),
		RealmRoles:  realmRoles(claims),
		ClientRoles: clientRoles(claims),
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		decoded.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		decoded.ExpiresAt = exp.Time
	}
	return decoded
}

// ExtractRoles returns the deduplicated union of realm-level roles and every
// per-client role array in the claims.
func ExtractRoles(claims jwt.MapClaims) []string {
	return unionRoles(realmRoles(claims), clientRoles(claims))
}

// ExtractRolesFromJWT extracts roles from a raw JWT without verifying its
// signature. Only for tokens received directly from the IdP over a channel
// that was already authenticated; anything else goes through the verifier.
func ExtractRolesFromJWT(raw string) []string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return ExtractRoles(claims)
}

// DecodeClaimsFromJWT maps the claims of a raw JWT without verifying its
// signature, under the same trust caveat as ExtractRolesFromJWT. Returns nil
// when the token cannot be parsed.
func DecodeClaimsFromJWT(raw string) *DecodedClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return DecodeClaims(claims)
}

// ExpiryFromJWT returns the exp claim of a raw JWT without verifying it, or
// the zero time when absent.
func ExpiryFromJWT(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func unionRoles(realm []string, perClient map[string][]string) []string {
	seen := make(map[string]struct{}, len(realm))
	for _, r := range realm {
		seen[r] = struct{}{}
	}
	for _, roles := range perClient {
		for _, r := range roles {
			seen[r] = struct{}{}
		}
	}
	union := make([]string, 0, len(seen))
	for r := range seen {
		union = append(union, r)
	}
	sort.Strings(union)
	return union
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// realmRoles extracts realm_access.roles, tolerating any malformed shape.
func realmRoles(claims jwt.MapClaims) []string {
	access, ok := claims[realmAccessClaim].(map[string]any)
	if !ok {
		return nil
	}
	return roleList(access[rolesField])
}

// clientRoles extracts resource_access, an arbitrary map of client id to
// role list. Clients with malformed entries contribute no roles.
func clientRoles(claims jwt.MapClaims) map[string][]string {
	access, ok := claims[resourceAccessClaim].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(access))
	for clientID, entry := range access {
		client, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if roles := roleList(client[rolesField]); len(roles) > 0 {
			out[clientID] = roles
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func roleList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			roles = append(roles, s)
		}
	}
	return roles
}
