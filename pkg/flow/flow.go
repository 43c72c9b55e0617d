// Package flow implements the OAuth2 authorization-code flow with PKCE
// against the identity provider: issuing the authorization redirect,
// validating the callback, exchanging the code, and verifying the returned
// ID token.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/config"
	"github.com/commercekit/storegate/pkg/logger"
	"github.com/commercekit/storegate/pkg/networking"
	"github.com/commercekit/storegate/pkg/tokens"
	"github.com/commercekit/storegate/pkg/tokens/verifier"
)

// pkceChallengeMethodS256 is the only challenge method sent (RFC 7636).
const pkceChallengeMethodS256 = "S256"

// Endpoints are the IdP endpoints the flow talks to. Defaults are derived
// from the auth config; tests and non-Keycloak deployments may override
// them.
type Endpoints struct {
	Issuer        string
	Authorization string
	Token         string
	JWKS          string
	Userinfo      string
	Logout        string
}

// EndpointsFromConfig derives the endpoint set from the auth config.
func EndpointsFromConfig(cfg *config.AuthConfig) Endpoints {
	return Endpoints{
		Issuer:        cfg.IssuerURL(),
		Authorization: cfg.AuthorizationEndpoint(),
		Token:         cfg.TokenEndpoint(),
		JWKS:          cfg.JWKSEndpoint(),
		Userinfo:      cfg.UserinfoEndpoint(),
		Logout:        cfg.LogoutEndpoint(),
	}
}

// Flow drives the authorization-code flow for one OAuth client.
type Flow struct {
	cfg        *config.AuthConfig
	endpoints  Endpoints
	store      *StateStore
	httpClient *http.Client
	idVerifier *oidc.IDTokenVerifier
	atVerifier *verifier.Verifier
}

// Option configures a Flow.
type Option func(*Flow)

// WithEndpoints overrides the derived IdP endpoints.
func WithEndpoints(e Endpoints) Option {
	return func(f *Flow) {
		f.endpoints = e
	}
}

// WithHTTPClient sets a custom HTTP client for token and key requests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Flow) {
		f.httpClient = client
	}
}

// New creates a flow for the given configuration.
func New(ctx context.Context, cfg *config.AuthConfig, opts ...Option) (*Flow, error) {
	f := &Flow{
		cfg:       cfg,
		endpoints: EndpointsFromConfig(cfg),
		store:     NewStateStore(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = networking.NewHttpClientBuilder().Build()
	}

	keyCtx := oidc.ClientContext(ctx, f.httpClient)
	keySet := oidc.NewRemoteKeySet(keyCtx, f.endpoints.JWKS)
	f.idVerifier = oidc.NewVerifier(f.endpoints.Issuer, keySet, &oidc.Config{
		ClientID: cfg.ClientID,
	})

	atVerifier, err := verifier.New(ctx, verifier.Config{
		Issuer:     f.endpoints.Issuer,
		JWKSURL:    f.endpoints.JWKS,
		HTTPClient: f.httpClient,
	})
	if err != nil {
		return nil, err
	}
	f.atVerifier = atVerifier

	return f, nil
}

// Endpoints returns the endpoint set in use.
func (f *Flow) Endpoints() Endpoints {
	return f.endpoints
}

// States returns the pending-login store.
func (f *Flow) States() *StateStore {
	return f.store
}

// Verifier returns the access-token verifier bound to the IdP's key set, for
// callers that validate tokens outside the login path.
func (f *Flow) Verifier() *verifier.Verifier {
	return f.atVerifier
}

// BeginRequest carries the parameters for starting a login.
type BeginRequest struct {
	// RedirectPath is the validated post-login redirect target.
	RedirectPath string

	// Prompt is an optional OIDC prompt value, already validated.
	Prompt string

	// ClientIP and UserAgent are recorded on the pending login.
	ClientIP  string
	UserAgent string
}

// Begin issues a pending login and returns the IdP authorization URL to
// redirect the user to.
func (f *Flow) Begin(req BeginRequest) (string, error) {
	state := f.store.Issue(req.RedirectPath, req.ClientIP, req.UserAgent)

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.cfg.ClientID},
		"redirect_uri":          {f.cfg.RedirectURL()},
		"scope":                 {f.cfg.Scope},
		"state":                 {state.State},
		"nonce":                 {state.Nonce},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(state.CodeVerifier)},
		"code_challenge_method": {pkceChallengeMethodS256},
	}
	if req.Prompt != "" {
		params.Set("prompt", req.Prompt)
	}

	logger.Debugw("issued authorization redirect",
		"redirect_path", req.RedirectPath,
		"prompt", req.Prompt,
	)

	return f.endpoints.Authorization + "?" + params.Encode(), nil
}

// CallbackRequest carries the query parameters of the IdP callback.
type CallbackRequest struct {
	State            string
	Code             string
	ErrorCode        string
	ErrorDescription string
}

// LoginResult is a completed login.
type LoginResult struct {
	TokenSet     *tokens.TokenSet
	Claims       *tokens.DecodedClaims
	RedirectPath string
}

// Callback validates the IdP callback, exchanges the authorization code and
// verifies the returned ID token, including the nonce bound to the pending
// login.
func (f *Flow) Callback(ctx context.Context, req CallbackRequest) (*LoginResult, error) {
	if req.ErrorCode != "" {
		// The IdP error code is logged for operators but never echoed to
		// the user.
		logger.Warnw("IdP returned callback error",
			"error", req.ErrorCode,
			"has_description", req.ErrorDescription != "",
		)
		return nil, autherr.Newf(autherr.ErrCallbackError, nil, "IdP error %q", req.ErrorCode)
	}

	state, err := f.store.Consume(req.State)
	if err != nil {
		logger.Warnw("callback state rejected",
			"reason", autherr.CodeOf(err),
			"state_length", len(req.State),
		)
		return nil, err
	}

	if req.Code == "" {
		return nil, autherr.New(autherr.ErrMissingCode, "callback carried no authorization code", nil)
	}

	resp, err := f.exchangeCode(ctx, req.Code, state.CodeVerifier)
	if err != nil {
		return nil, err
	}

	claims, err := f.verifyIDToken(ctx, resp.IDToken, state.Nonce)
	if err != nil {
		return nil, err
	}

	// The access token is the credential forwarded to the backend; its roles
	// are trusted only after the signature checks out against the IdP's keys.
	accessClaims, err := f.atVerifier.Verify(ctx, resp.AccessToken, verifier.Options{})
	if err != nil {
		logger.Warnw("access token from code exchange failed verification",
			"reason", autherr.CodeOf(err),
		)
		return nil, err
	}

	now := time.Now()
	set := &tokens.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		Roles:        accessClaims.Roles(),
	}
	if resp.RefreshExpiresIn > 0 {
		set.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	}
	if len(set.Roles) == 0 {
		// Some IdP configurations put roles only on the ID token.
		set.Roles = claims.Roles()
	}

	logger.Infow("login completed",
		"subject", claims.Subject,
		"role_count", len(set.Roles),
		"refreshable", set.Refreshable(),
	)

	return &LoginResult{
		TokenSet:     set,
		Claims:       claims,
		RedirectPath: state.RedirectPath,
	}, nil
}

// exchangeCode redeems the authorization code at the token endpoint. Unlike
// refresh, the exchange is never retried: the code is single-use and a
// second attempt would fail regardless.
func (f *Flow) exchangeCode(ctx context.Context, code, codeVerifier string) (*exchangeResponse, error) {
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {f.cfg.RedirectURL()},
		"client_id":     {f.cfg.ClientID},
		"code_verifier": {codeVerifier},
	}
	if f.cfg.IsConfidential() {
		params.Set("client_secret", f.cfg.ClientSecret)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		f.endpoints.Token,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, autherr.New(autherr.ErrTokenExchangeFailed, "failed to create exchange request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, autherr.New(autherr.ErrNetwork, "token endpoint unreachable", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, networking.MaxResponseSize))
	if err != nil {
		return nil, autherr.New(autherr.ErrTokenExchangeFailed, "failed to read exchange response", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		logger.Warnw("authorization code exchange rejected", "status", httpResp.StatusCode)
		return nil, autherr.Newf(autherr.ErrTokenExchangeFailed, nil,
			"token endpoint returned HTTP %d", httpResp.StatusCode)
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, autherr.New(autherr.ErrTokenExchangeFailed, "malformed exchange response", err)
	}
	if resp.AccessToken == "" || resp.IDToken == "" {
		return nil, autherr.New(autherr.ErrTokenExchangeFailed, "exchange response missing tokens", nil)
	}
	return &resp, nil
}

// verifyIDToken validates the ID token signature, issuer, audience and
// expiry, then enforces the nonce bound to the pending login.
func (f *Flow) verifyIDToken(ctx context.Context, rawIDToken, expectedNonce string) (*tokens.DecodedClaims, error) {
	verifyCtx := oidc.ClientContext(ctx, f.httpClient)
	idToken, err := f.idVerifier.Verify(verifyCtx, rawIDToken)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, autherr.New(autherr.ErrTokenExpired, "ID token is expired", err)
		}
		return nil, autherr.New(autherr.ErrTokenInvalid, "ID token failed verification", err)
	}

	// Replay protection: the nonce must round-trip exactly. A missing nonce
	// is as fatal as a wrong one.
	if idToken.Nonce != expectedNonce {
		logger.Warnw("ID token nonce rejected",
			"nonce_present", idToken.Nonce != "",
			"subject", idToken.Subject,
		)
		return nil, autherr.New(autherr.ErrNonceMismatch, "ID token nonce does not match pending login", nil)
	}

	// Signature was just verified; re-parse only to reuse the shared claim
	// mapping.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return nil, autherr.New(autherr.ErrTokenInvalid, "ID token claims unreadable", err)
	}
	return tokens.DecodeClaims(claims), nil
}

// exchangeResponse is the token-endpoint response for the code grant.
type exchangeResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}
