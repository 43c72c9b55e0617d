// Package verifier validates JWTs issued by the identity provider against
// its published key set.
//
// Signing keys are fetched from the JWKS endpoint through an auto-refreshing
// cache. Refetches replace the cached set as a whole, so validations running
// concurrently with a key rotation keep reading the previous snapshot.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/networking"
	"github.com/commercekit/storegate/pkg/tokens"
)

// registrationTimeout bounds the initial JWKS registration fetch.
const registrationTimeout = 5 * time.Second

// Config contains configuration for the verifier.
type Config struct {
	// Issuer is the expected iss claim, matched exactly.
	Issuer string

	// JWKSURL is the URL of the IdP's JSON Web Key Set.
	JWKSURL string

	// HTTPClient is used for JWKS fetches. Defaults to a hardened client.
	HTTPClient *http.Client
}

// Options adjusts a single verification call.
type Options struct {
	// ExpectedAudience is enforced when non-empty. Set for ID tokens only;
	// access tokens from this IdP commonly omit or vary the aud claim.
	ExpectedAudience string

	// ExpectedNonce is enforced when non-empty. A mismatch is a hard
	// failure; replay protection cannot be bypassed by claim validity.
	ExpectedNonce string
}

// Verifier validates JWTs against a cached JWKS.
type Verifier struct {
	issuer     string
	jwksURL    string
	jwksClient *jwk.Cache

	// Lazy JWKS registration so construction does not require the IdP to
	// be reachable.
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// New creates a verifier.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, autherr.New(autherr.ErrConfigMissing, "JWKS URL is required", nil)
	}
	if err := networking.ValidateEndpointURLWithInsecure(cfg.JWKSURL, true); err != nil {
		return nil, autherr.Newf(autherr.ErrConfigInvalid, err, "invalid JWKS URL")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = networking.NewHttpClientBuilder().Build()
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Verifier{
		issuer:     cfg.Issuer,
		jwksURL:    cfg.JWKSURL,
		jwksClient: cache,
	}, nil
}

// JWKSURL returns the JWKS URL used by the verifier.
func (v *Verifier) JWKSURL() string {
	return v.jwksURL
}

// Verify validates a JWT and returns its decoded claims. Failures are
// classified into the taxonomy: expired, bad signature, bad issuer, bad
// audience, nonce mismatch, or malformed.
func (v *Verifier) Verify(ctx context.Context, tokenString string, opts Options) (*tokens.DecodedClaims, error) {
	if tokenString == "" {
		return nil, autherr.New(autherr.ErrTokenInvalid, "no token provided", nil)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, autherr.New(autherr.ErrTokenInvalid, "token failed validation", nil)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, autherr.New(autherr.ErrTokenInvalid, "unexpected claims type", nil)
	}

	if err := v.validateClaims(claims, opts); err != nil {
		return nil, err
	}

	return tokens.DecodeClaims(claims), nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use.
func (v *Verifier) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	err := v.jwksClient.Register(registrationCtx, v.jwksURL)
	if err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// keyFor resolves the verification key for a token from the cached JWKS.
// The signing algorithm is restricted to the asymmetric RS/ES families;
// "none" and symmetric algorithms are rejected before any key lookup.
func (v *Verifier) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("disallowed signing method %q", token.Method.Alg())
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, &jwksUnavailableError{err: err}
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, &jwksUnavailableError{err: fmt.Errorf("failed to look up JWKS: %w", err)}
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims enforces issuer, optional audience, expiry, and optional
// nonce.
func (v *Verifier) validateClaims(claims jwt.MapClaims, opts Options) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return autherr.New(autherr.ErrBadIssuer, "issuer claim does not match", err)
		}
	}

	if opts.ExpectedAudience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return autherr.New(autherr.ErrBadAudience, "audience claim unreadable", err)
		}
		found := false
		for _, aud := range audiences {
			if aud == opts.ExpectedAudience {
				found = true
				break
			}
		}
		if !found {
			return autherr.New(autherr.ErrBadAudience, "expected audience not present", nil)
		}
	}

	// Strictly enforced with no grace period. Callers wanting a pre-expiry
	// buffer apply it on the token set, not here.
	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return autherr.New(autherr.ErrTokenExpired, "token is expired", err)
	}

	if opts.ExpectedNonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != opts.ExpectedNonce {
			return autherr.New(autherr.ErrNonceMismatch, "nonce claim does not match expected value", nil)
		}
	}

	return nil
}

// jwksUnavailableError marks key-resolution failures caused by the JWKS
// being unreachable, as opposed to the token being bad.
type jwksUnavailableError struct {
	err error
}

func (e *jwksUnavailableError) Error() string { return e.err.Error() }
func (e *jwksUnavailableError) Unwrap() error { return e.err }

func classifyParseError(err error) error {
	var unavailable *jwksUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return autherr.New(autherr.ErrNetwork, "JWKS unavailable", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return autherr.New(autherr.ErrTokenInvalid, "token is malformed", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return autherr.New(autherr.ErrTokenExpired, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return autherr.New(autherr.ErrBadSignature, "token signature does not verify", err)
	default:
		// Key-resolution failures (unknown kid, disallowed algorithm)
		// surface here. The signature could not be established.
		return autherr.New(autherr.ErrBadSignature, "unable to verify token signature", err)
	}
}
