package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/tokens"
	"github.com/commercekit/storegate/pkg/tokens/refresh"
	"github.com/commercekit/storegate/pkg/tokens/verifier"
)

// signTestToken mints an unverified test JWT; without a verifier the manager
// only decodes claims from it.
func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newManagerWithIDP(t *testing.T, handler http.HandlerFunc) (*Manager, *atomic.Int64) {
	t.Helper()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	engine := refresh.New(refresh.Options{
		TokenEndpoint:  srv.URL,
		ClientID:       "storegate-web",
		HTTPClient:     srv.Client(),
		InitialBackoff: time.Millisecond,
	})
	return NewManager(engine, nil), &requests
}

func TestManagerCreatePeekDelete(t *testing.T) {
	t.Parallel()

	m, requests := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	set := &tokens.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
		Roles:        []string{"customer"},
	}
	id := m.Create(set, &tokens.DecodedClaims{Subject: "user-1", Email: "alice@shop.example"})
	require.NotEmpty(t, id)

	s, ok := m.Peek(id)
	require.True(t, ok)
	assert.Equal(t, "user-1", s.Subject)
	assert.Equal(t, "access-1", s.AccessToken)
	assert.Equal(t, []string{"customer"}, s.Roles)

	final := m.Delete(id)
	require.NotNil(t, final)
	assert.Equal(t, "refresh-1", final.RefreshToken)

	_, ok = m.Peek(id)
	assert.False(t, ok)
	assert.Nil(t, m.Delete(id))
	assert.EqualValues(t, 0, requests.Load())
}

func TestManagerFreshSkipsRefreshWhileValid(t *testing.T) {
	t.Parallel()

	m, requests := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	id := m.Create(&tokens.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}, &tokens.DecodedClaims{Subject: "user-1"})

	s, err := m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "access-1", s.AccessToken)
	assert.EqualValues(t, 0, requests.Load())
}

func TestManagerFreshRefreshesStaleToken(t *testing.T) {
	t.Parallel()

	newAccess := signTestToken(t, jwt.MapClaims{
		"sub":          "user-1",
		"email":        "alice@shop.example",
		"realm_access": map[string]any{"roles": []any{"customer", "seller"}},
	})

	m, requests := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": %q, "refresh_token": "refresh-2", "expires_in": 300}`, newAccess)
	})

	id := m.Create(&tokens.TokenSet{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, &tokens.DecodedClaims{Subject: "user-1"})

	s, err := m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, newAccess, s.AccessToken)
	assert.Equal(t, []string{"customer", "seller"}, s.Roles)
	assert.Empty(t, s.Error)
	assert.EqualValues(t, 1, requests.Load())

	// The stored set is the refreshed one; the next call needs no network.
	s, err = m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, newAccess, s.AccessToken)
	assert.EqualValues(t, 1, requests.Load())

	final := m.Delete(id)
	require.NotNil(t, final)
	assert.Equal(t, "refresh-2", final.RefreshToken)
}

func TestManagerFreshSurfacesTerminalFailure(t *testing.T) {
	t.Parallel()

	m, requests := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "Session not active"}`)
	})

	id := m.Create(&tokens.TokenSet{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, &tokens.DecodedClaims{Subject: "user-1"})

	s, err := m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, autherr.ErrSessionExpired, s.Error)
	assert.EqualValues(t, 1, requests.Load())

	// The refresh token is gone, so later calls report the dead session
	// without going back to the IdP.
	s, err = m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, autherr.ErrRefreshTokenMissing, s.Error)
	assert.EqualValues(t, 1, requests.Load())
}

// signingIDP is an IdP double with a real key pair: a JWKS endpoint for the
// verifier and a signing helper for the token endpoint.
type signingIDP struct {
	jwks *httptest.Server
	key  *rsa.PrivateKey
}

const managerTestIssuer = "https://id.shop.example/realms/storefront"

func newSigningIDP(t *testing.T) *signingIDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &signingIDP{key: key}
	idp.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys": [{"kty": "RSA", "kid": "idp-key-1", "use": "sig", "alg": "RS256", "n": %q, "e": %q}]}`,
			base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()))
	}))
	t.Cleanup(idp.jwks.Close)
	return idp
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "idp-key-1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func (i *signingIDP) verifier(t *testing.T) *verifier.Verifier {
	t.Helper()
	v, err := verifier.New(context.Background(), verifier.Config{
		Issuer:  managerTestIssuer,
		JWKSURL: i.jwks.URL,
	})
	require.NoError(t, err)
	return v
}

func TestManagerFreshVerifiesRefreshedToken(t *testing.T) {
	t.Parallel()

	idp := newSigningIDP(t)
	newAccess := signRS256(t, idp.key, jwt.MapClaims{
		"iss":          managerTestIssuer,
		"sub":          "user-1",
		"email":        "alice@shop.example",
		"exp":          time.Now().Add(5 * time.Minute).Unix(),
		"realm_access": map[string]any{"roles": []any{"customer", "seller"}},
	})

	m, requests := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": %q, "refresh_token": "refresh-2", "expires_in": 300}`, newAccess)
	})
	m.verifier = idp.verifier(t)

	id := m.Create(&tokens.TokenSet{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, &tokens.DecodedClaims{Subject: "user-1"})

	s, err := m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, s.Error)
	assert.Equal(t, newAccess, s.AccessToken)
	assert.Equal(t, []string{"customer", "seller"}, s.Roles)
	assert.EqualValues(t, 1, requests.Load())
}

func TestManagerFreshRejectsForgedRefreshedToken(t *testing.T) {
	t.Parallel()

	idp := newSigningIDP(t)
	rogueKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged := signRS256(t, rogueKey, jwt.MapClaims{
		"iss":          managerTestIssuer,
		"sub":          "user-1",
		"exp":          time.Now().Add(5 * time.Minute).Unix(),
		"realm_access": map[string]any{"roles": []any{"admin"}},
	})

	m, _ := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": %q, "refresh_token": "refresh-2", "expires_in": 300}`, forged)
	})
	m.verifier = idp.verifier(t)

	id := m.Create(&tokens.TokenSet{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, &tokens.DecodedClaims{Subject: "user-1"})

	s, err := m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, autherr.ErrBadSignature, s.Error)
	// The forged token's claims never replace the session's.
	assert.NotContains(t, s.Roles, "admin")
}

func TestManagerFreshHonorsEngineBuffer(t *testing.T) {
	t.Parallel()

	newAccess := signTestToken(t, jwt.MapClaims{"sub": "user-1"})

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": %q, "refresh_token": "refresh-2", "expires_in": 300}`, newAccess)
	}))
	t.Cleanup(srv.Close)

	engine := refresh.New(refresh.Options{
		TokenEndpoint:  srv.URL,
		ClientID:       "storegate-web",
		HTTPClient:     srv.Client(),
		InitialBackoff: time.Millisecond,
		Buffer:         10 * time.Minute,
	})
	m := NewManager(engine, nil)

	// Five minutes of validity left is fresh by the default buffer but
	// stale under the engine's widened one.
	id := m.Create(&tokens.TokenSet{
		AccessToken:  "aging-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(5 * time.Minute),
	}, &tokens.DecodedClaims{Subject: "user-1"})

	s, err := m.Fresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, newAccess, s.AccessToken)
	assert.EqualValues(t, 1, requests.Load())
}

func TestManagerFreshUnknownSession(t *testing.T) {
	t.Parallel()

	m, _ := newManagerWithIDP(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := m.Fresh(context.Background(), "no-such-session")
	require.Error(t, err)
	assert.Equal(t, autherr.ErrSessionRequired, autherr.CodeOf(err))
}
