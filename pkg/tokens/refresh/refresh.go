// Package refresh exchanges refresh tokens for new access tokens.
//
// The engine never returns an error across its public contract: failures are
// recorded on the returned token set's LastError field so the session layer
// can decide between retry and forced re-login. Concurrent refreshes for the
// same session are collapsed into a single IdP call, because most IdPs
// invalidate the previous refresh token when a new one is issued and a lost
// race would silently break the loser's session.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/logger"
	"github.com/commercekit/storegate/pkg/networking"
	"github.com/commercekit/storegate/pkg/tokens"
)

// Defaults for the retry policy. Empirically tuned against Keycloak; all of
// them are overridable through Options.
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 5 * time.Second
	DefaultInitialBackoff = 300 * time.Millisecond
)

// Options configures the refresh engine.
type Options struct {
	// TokenEndpoint is the IdP token endpoint URL.
	TokenEndpoint string

	// ClientID is the OAuth client id.
	ClientID string

	// ClientSecret is included in requests only when non-empty (confidential
	// client).
	ClientSecret string

	// HTTPClient performs the token requests. Defaults to a hardened client.
	HTTPClient networking.HTTPClient

	// MaxAttempts bounds the total number of attempts for network-level
	// failures. HTTP error responses are never retried.
	MaxAttempts int

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// InitialBackoff is the delay before the second attempt; it doubles per
	// attempt.
	InitialBackoff time.Duration

	// Buffer is the pre-expiry window in which a token counts as stale.
	Buffer time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.HTTPClient == nil {
		opts.HTTPClient = networking.NewHttpClientBuilder().Build()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.Buffer <= 0 {
		opts.Buffer = tokens.RefreshBuffer
	}
	return opts
}

// Engine refreshes token sets against the IdP token endpoint.
type Engine struct {
	opts  Options
	group singleflight.Group
}

// New creates a refresh engine.
func New(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// Buffer returns the pre-expiry window in which the engine considers a token
// stale. Callers deciding whether to refresh must use this rather than a
// buffer of their own, or the two decisions can disagree.
func (e *Engine) Buffer() time.Duration {
	return e.opts.Buffer
}

// Refresh returns a token set with a fresh access token. The input is never
// mutated. When the token is not yet within the refresh buffer the input is
// returned as is; when refresh fails the returned set carries the failure in
// LastError, with the refresh token cleared only on terminal failures.
func (e *Engine) Refresh(ctx context.Context, ts *tokens.TokenSet) *tokens.TokenSet {
	if !ts.Refreshable() {
		out := ts.Clone()
		if out == nil {
			out = &tokens.TokenSet{}
		}
		out.LastError = autherr.ErrRefreshTokenMissing
		return out
	}

	if !ts.NeedsRefresh(e.opts.Buffer) && ts.LastError == "" {
		return ts
	}

	// Collapse concurrent refreshes for the same refresh token into one
	// IdP call; every caller observes the winner's result.
	result, _, _ := e.group.Do(ts.RefreshToken, func() (any, error) {
		return e.doRefresh(ctx, ts), nil
	})
	return result.(*tokens.TokenSet).Clone()
}

// doRefresh performs the network exchange and classification.
func (e *Engine) doRefresh(ctx context.Context, ts *tokens.TokenSet) *tokens.TokenSet {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.RefreshToken},
		"client_id":     {e.opts.ClientID},
	}
	if e.opts.ClientSecret != "" {
		params.Set("client_secret", e.opts.ClientSecret)
	}

	resp, err := e.requestWithRetry(ctx, params)
	if err != nil {
		var httpErr *idpHTTPError
		if errors.As(err, &httpErr) {
			return classifyHTTPFailure(ts, httpErr)
		}
		logger.Warnw("token refresh failed at network level",
			"attempts", e.opts.MaxAttempts,
			"error", err.Error(),
		)
		out := ts.Clone()
		out.LastError = autherr.ErrNetwork
		return out
	}

	return applyRefresh(ts, resp)
}

// requestWithRetry posts the refresh grant, retrying network-level failures
// only. An HTTP error response from the IdP is wrapped as permanent: a
// rejected refresh token will not become valid by retrying.
func (e *Engine) requestWithRetry(ctx context.Context, params url.Values) (*tokenResponse, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.opts.InitialBackoff
	expBackoff.Multiplier = 2
	expBackoff.MaxInterval = 8 * e.opts.InitialBackoff

	operation := func() (*tokenResponse, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()

		resp, err := e.postForm(attemptCtx, params)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(e.opts.MaxAttempts)), // #nosec G115 -- small positive option value
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debugw("retrying token refresh", "delay", delay.String(), "error", err.Error())
		}),
	)
}

// postForm performs one token-endpoint request. Responses with non-2xx
// statuses are returned as permanent *idpHTTPError values.
func (e *Engine) postForm(ctx context.Context, params url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		e.opts.TokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &idpHTTPError{StatusCode: resp.StatusCode}
		// The error body is best-effort; classification falls back to the
		// status code alone.
		_ = json.Unmarshal(body, httpErr)
		return nil, backoff.Permanent(httpErr)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("malformed token response: %w", err))
	}
	if parsed.AccessToken == "" {
		return nil, backoff.Permanent(fmt.Errorf("token response missing access_token"))
	}
	return &parsed, nil
}

// classifyHTTPFailure distinguishes terminal refresh failures, which clear
// the refresh token and force a full re-login, from transient ones that
// preserve it so a later attempt may succeed.
func classifyHTTPFailure(ts *tokens.TokenSet, httpErr *idpHTTPError) *tokens.TokenSet {
	out := ts.Clone()
	if httpErr.Terminal() {
		logger.Infow("refresh token no longer active, forcing re-login",
			"status", httpErr.StatusCode,
			"oauth_error", httpErr.OAuthError,
		)
		out.RefreshToken = ""
		out.RefreshExpiresAt = time.Time{}
		out.LastError = autherr.ErrSessionExpired
		return out
	}

	logger.Warnw("token refresh rejected",
		"status", httpErr.StatusCode,
		"oauth_error", httpErr.OAuthError,
	)
	out.LastError = autherr.ErrRefreshFailed
	return out
}

// applyRefresh builds the successor token set from a successful response.
// Roles are recomputed from the new access token so role changes at the IdP
// propagate without a fresh login.
func applyRefresh(ts *tokens.TokenSet, resp *tokenResponse) *tokens.TokenSet {
	now := time.Now()
	out := &tokens.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: ts.RefreshToken,
		IDToken:      ts.IDToken,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		Roles:        tokens.ExtractRolesFromJWT(resp.AccessToken),
	}
	if resp.RefreshToken != "" {
		out.RefreshToken = resp.RefreshToken
	}
	if resp.RefreshExpiresIn > 0 {
		out.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	} else {
		out.RefreshExpiresAt = ts.RefreshExpiresAt
	}
	if resp.IDToken != "" {
		out.IDToken = resp.IDToken
	}

	logger.Debugw("token refresh successful",
		"rotated_refresh_token", resp.RefreshToken != "",
		"expires_at", out.ExpiresAt.Format(time.RFC3339),
	)
	return out
}

// tokenResponse is the subset of the token-endpoint response the engine
// consumes.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// idpHTTPError is a non-2xx response from the token endpoint.
type idpHTTPError struct {
	StatusCode       int    `json:"-"`
	OAuthError       string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e *idpHTTPError) Error() string {
	if e.OAuthError != "" {
		return fmt.Sprintf("token endpoint returned HTTP %d: %s", e.StatusCode, e.OAuthError)
	}
	return fmt.Sprintf("token endpoint returned HTTP %d", e.StatusCode)
}

// Terminal reports whether the rejection means the refresh token is dead. A
// 401, or an invalid_grant whose description says the token is not active,
// will never succeed on retry.
func (e *idpHTTPError) Terminal() bool {
	if e.StatusCode == http.StatusUnauthorized {
		return true
	}
	return e.OAuthError == "invalid_grant" &&
		strings.Contains(strings.ToLower(e.ErrorDescription), "not active")
}
