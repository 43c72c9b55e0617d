package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/storegate/pkg/autherr"
)

const (
	testIssuer   = "https://id.shop.example/realms/storefront"
	testClientID = "storegate-web"
	testKeyID    = "test-key-1"
)

// jwksServer serves the public half of its signing key as a JWKS.
type jwksServer struct {
	*httptest.Server
	privateKey *rsa.PrivateKey
	keyID      string
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := &jwksServer{privateKey: privateKey, keyID: testKeyID}
	srv.Server = httptest.NewServer(http.HandlerFunc(srv.handleJWKS))
	t.Cleanup(srv.Close)
	return srv
}

func (s *jwksServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": s.keyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(s.privateKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.privateKey.E)).Bytes()),
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwks)
}

// sign mints an RS256 token with the server's key.
func (s *jwksServer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.privateKey)
	require.NoError(t, err)
	return signed
}

func (s *jwksServer) newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := New(context.Background(), Config{
		Issuer:  testIssuer,
		JWKSURL: s.URL,
	})
	require.NoError(t, err)
	return v
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"aud": testClientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	claims := baseClaims()
	claims["email"] = "alice@shop.example"
	claims["realm_access"] = map[string]any{"roles": []any{"customer"}}

	decoded, err := v.Verify(context.Background(), srv.sign(t, claims), Options{})
	require.NoError(t, err)

	assert.Equal(t, "user-1", decoded.Subject)
	assert.Equal(t, "alice@shop.example", decoded.Email)
	assert.Equal(t, []string{"customer"}, decoded.Roles())
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	// Well-formed token signed by a key not in the JWKS, under the same kid.
	foreignKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	token.Header["kid"] = testKeyID
	forged, err := token.SignedString(foreignKey)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), forged, Options{})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrBadSignature, autherr.CodeOf(err))
}

func TestVerifyRejectsUnknownKeyID(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	token.Header["kid"] = "rotated-away"
	signed, err := token.SignedString(srv.privateKey)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed, Options{})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrBadSignature, autherr.CodeOf(err))
}

func TestVerifyRejectsSymmetricAlgorithm(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed, Options{})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrBadSignature, autherr.CodeOf(err))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	// Expired even though the signature is otherwise valid.
	_, err := v.Verify(context.Background(), srv.sign(t, claims), Options{})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrTokenExpired, autherr.CodeOf(err))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	claims := baseClaims()
	claims["iss"] = "https://rogue.example/realms/storefront"

	_, err := v.Verify(context.Background(), srv.sign(t, claims), Options{})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrBadIssuer, autherr.CodeOf(err))
}

func TestVerifyAudienceOnlyWhenExpected(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	claims := baseClaims()
	claims["aud"] = "some-other-client"
	signed := srv.sign(t, claims)

	// Access-token validation: audience not enforced.
	_, err := v.Verify(context.Background(), signed, Options{})
	require.NoError(t, err)

	// ID-token validation: audience enforced.
	_, err = v.Verify(context.Background(), signed, Options{ExpectedAudience: testClientID})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrBadAudience, autherr.CodeOf(err))
}

func TestVerifyNonce(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	claims := baseClaims()
	claims["nonce"] = "expected-nonce"
	signed := srv.sign(t, claims)

	_, err := v.Verify(context.Background(), signed, Options{ExpectedNonce: "expected-nonce"})
	require.NoError(t, err)

	// A mismatched nonce fails closed even though every other claim is
	// valid.
	_, err = v.Verify(context.Background(), signed, Options{ExpectedNonce: "different-nonce"})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrNonceMismatch, autherr.CodeOf(err))

	// A missing nonce is as fatal as a wrong one.
	noNonce := srv.sign(t, baseClaims())
	_, err = v.Verify(context.Background(), noNonce, Options{ExpectedNonce: "expected-nonce"})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrNonceMismatch, autherr.CodeOf(err))
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	t.Parallel()

	srv := newJWKSServer(t)
	v := srv.newVerifier(t)

	for _, raw := range []string{"", "garbage", "a.b", "a.b.c.d"} {
		_, err := v.Verify(context.Background(), raw, Options{})
		require.Error(t, err)
		assert.Equal(t, autherr.ErrTokenInvalid, autherr.CodeOf(err), "input %q", raw)
	}
}

func TestNewRequiresJWKSURL(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Issuer: testIssuer})
	require.Error(t, err)
	assert.Equal(t, autherr.ErrConfigMissing, autherr.CodeOf(err))
}
