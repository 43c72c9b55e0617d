package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/commercekit/storegate/pkg/logger"
	"github.com/commercekit/storegate/pkg/networking"
	"github.com/commercekit/storegate/pkg/tokens"
)

// Revocation retry policy: the first attempt plus two retries, backing off
// from one second.
const (
	revokeMaxTries       = 3
	revokeInitialBackoff = time.Second
)

// Revoker terminates IdP-side sessions via the end-session endpoint.
// Revocation is best-effort: a failed IdP-side revocation never blocks local
// session teardown.
type Revoker struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   networking.HTTPClient
}

// NewRevoker creates a revoker for the given end-session endpoint. The
// client secret is included only for confidential clients.
func NewRevoker(endpoint, clientID, clientSecret string, httpClient networking.HTTPClient) *Revoker {
	if httpClient == nil {
		httpClient = networking.NewHttpClientBuilder().Build()
	}
	return &Revoker{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

// Revoke asks the IdP to end the session behind the refresh token. Failures
// are retried with exponential backoff and then logged and swallowed.
func (r *Revoker) Revoke(ctx context.Context, ts *tokens.TokenSet) {
	if ts == nil || ts.RefreshToken == "" {
		return
	}

	params := url.Values{
		"client_id":     {r.clientID},
		"refresh_token": {ts.RefreshToken},
	}
	if r.clientSecret != "" {
		params.Set("client_secret", r.clientSecret)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = revokeInitialBackoff
	expBackoff.Multiplier = 2

	operation := func() (struct{}, error) {
		return struct{}{}, r.post(ctx, params)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(revokeMaxTries),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debugw("retrying session revocation", "delay", delay.String(), "error", err.Error())
		}),
	)
	if err != nil {
		logger.Warnw("IdP session revocation failed, tearing down locally anyway", "error", err.Error())
	}
}

func (r *Revoker) post(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		r.endpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create revocation request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, networking.MaxResponseSize))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("end-session endpoint returned HTTP %d", resp.StatusCode)
}
