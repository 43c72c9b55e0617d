// Package autherr defines the canonical error taxonomy for the auth engine.
//
// Every failure mode across configuration, the OAuth flow, token handling,
// sessions and authorization maps to exactly one Code. Each code carries a
// fixed HTTP status and a user-safe message that never leaks internal detail.
// Retryability is a pure function of the code so no call site decides it
// independently.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure mode in the auth engine.
type Code string

// Configuration phase errors.
const (
	// ErrConfigMissing is returned when a required configuration value is absent.
	ErrConfigMissing Code = "config_missing"

	// ErrConfigInvalid is returned when a configuration value fails validation.
	ErrConfigInvalid Code = "config_invalid"

	// ErrIssuerNotAllowed is returned when the issuer host is absent from the allow-list.
	ErrIssuerNotAllowed Code = "issuer_not_allowed"
)

// OAuth flow errors.
const (
	// ErrInvalidAuthRequest is returned when an authorization-initiation request is malformed.
	ErrInvalidAuthRequest Code = "invalid_auth_request"

	// ErrStateMismatch is returned when the callback state does not match any pending login.
	ErrStateMismatch Code = "state_mismatch"

	// ErrStateExpired is returned when the pending login outlived its TTL.
	ErrStateExpired Code = "state_expired"

	// ErrNonceMismatch is returned when the ID token nonce does not match the expected value.
	ErrNonceMismatch Code = "nonce_mismatch"

	// ErrMissingCode is returned when the callback carries no authorization code.
	ErrMissingCode Code = "missing_code"

	// ErrCallbackError is returned when the IdP redirected back with an error parameter.
	ErrCallbackError Code = "callback_error"
)

// Token errors.
const (
	// ErrTokenExchangeFailed is returned when the authorization-code exchange fails.
	ErrTokenExchangeFailed Code = "token_exchange_failed"

	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired Code = "token_expired"

	// ErrTokenInvalid is returned when a token is malformed or fails claim validation.
	ErrTokenInvalid Code = "token_invalid"

	// ErrBadSignature is returned when a token signature does not verify against the JWKS.
	ErrBadSignature Code = "bad_signature"

	// ErrBadIssuer is returned when the iss claim does not match the configured issuer.
	ErrBadIssuer Code = "bad_issuer"

	// ErrBadAudience is returned when the aud claim does not contain the expected audience.
	ErrBadAudience Code = "bad_audience"

	// ErrRefreshFailed is returned when a token refresh was rejected by the IdP.
	ErrRefreshFailed Code = "refresh_failed"

	// ErrRefreshTokenMissing is returned when refresh is requested for a session without one.
	ErrRefreshTokenMissing Code = "refresh_token_missing"

	// ErrNetwork is returned when the IdP is unreachable after exhausting retries.
	ErrNetwork Code = "network_error"
)

// Session errors.
const (
	// ErrSessionRequired is returned when an operation needs an authenticated session.
	ErrSessionRequired Code = "session_required"

	// ErrSessionExpired is returned when the session can no longer be refreshed.
	ErrSessionExpired Code = "session_expired"

	// ErrSessionInvalid is returned when the stored session state is unusable.
	ErrSessionInvalid Code = "session_invalid"
)

// Authorization errors.
const (
	// ErrUnauthenticated is returned when no principal is associated with the request.
	ErrUnauthenticated Code = "unauthenticated"

	// ErrForbidden is returned when the principal is known but not allowed.
	ErrForbidden Code = "forbidden"

	// ErrInsufficientRoles is returned when the principal lacks a required role.
	ErrInsufficientRoles Code = "insufficient_roles"
)

// codeInfo is the static classification attached to each code.
type codeInfo struct {
	status    int
	message   string
	retryable bool
}

// catalog is the closed set of codes. A code absent from the catalog is a
// programming error and is reported as an internal failure.
var catalog = map[Code]codeInfo{
	ErrConfigMissing:    {http.StatusInternalServerError, "Service is misconfigured. Please try again later.", false},
	ErrConfigInvalid:    {http.StatusInternalServerError, "Service is misconfigured. Please try again later.", false},
	ErrIssuerNotAllowed: {http.StatusInternalServerError, "Service is misconfigured. Please try again later.", false},

	ErrInvalidAuthRequest: {http.StatusBadRequest, "The sign-in request was invalid. Please try again.", false},
	ErrStateMismatch:      {http.StatusBadRequest, "Your sign-in attempt could not be verified. Please try again.", false},
	ErrStateExpired:       {http.StatusBadRequest, "Your sign-in attempt took too long. Please try again.", false},
	ErrNonceMismatch:      {http.StatusBadRequest, "Your sign-in attempt could not be verified. Please try again.", false},
	ErrMissingCode:        {http.StatusBadRequest, "Sign-in was cancelled or incomplete. Please try again.", false},
	ErrCallbackError:      {http.StatusBadRequest, "Sign-in was not completed. Please try again.", false},

	ErrTokenExchangeFailed: {http.StatusBadGateway, "Signing you in failed. Please try again.", false},
	ErrTokenExpired:        {http.StatusUnauthorized, "Your session has expired. Please sign in again.", false},
	ErrTokenInvalid:        {http.StatusUnauthorized, "Your session is no longer valid. Please sign in again.", false},
	ErrBadSignature:        {http.StatusUnauthorized, "Your session is no longer valid. Please sign in again.", false},
	ErrBadIssuer:           {http.StatusUnauthorized, "Your session is no longer valid. Please sign in again.", false},
	ErrBadAudience:         {http.StatusUnauthorized, "Your session is no longer valid. Please sign in again.", false},
	ErrRefreshFailed:       {http.StatusUnauthorized, "Your session could not be renewed. Please sign in again.", false},
	ErrRefreshTokenMissing: {http.StatusUnauthorized, "Your session cannot be renewed. Please sign in again.", false},
	ErrNetwork:             {http.StatusServiceUnavailable, "The sign-in service is temporarily unavailable. Please try again.", true},

	ErrSessionRequired: {http.StatusUnauthorized, "Please sign in to continue.", false},
	ErrSessionExpired:  {http.StatusUnauthorized, "Your session has expired. Please sign in again.", false},
	ErrSessionInvalid:  {http.StatusUnauthorized, "Your session is no longer valid. Please sign in again.", false},

	ErrUnauthenticated:   {http.StatusUnauthorized, "Please sign in to continue.", false},
	ErrForbidden:         {http.StatusForbidden, "You do not have access to this resource.", false},
	ErrInsufficientRoles: {http.StatusForbidden, "You do not have permission to perform this action.", false},
}

// Error is an immutable auth failure value. It is constructed at the failure
// site and carries optional diagnostic detail that is only surfaced outside
// production.
type Error struct {
	// Code is the machine-readable error code.
	Code Code

	// Detail is diagnostic detail for operators. Never shown to users in
	// production.
	Detail string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	default:
		return string(e.Code)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new auth error with the given code.
func New(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, Cause: cause}
}

// Newf creates a new auth error with a formatted detail string.
func Newf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err, or ErrTokenInvalid if err is not an
// *Error. Returns the empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrTokenInvalid
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Status returns the HTTP status associated with the code.
func (c Code) Status() int {
	if info, ok := catalog[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// UserMessage returns the safe-to-display message for the code.
func (c Code) UserMessage() string {
	if info, ok := catalog[c]; ok {
		return info.message
	}
	return "Something went wrong. Please try again."
}

// Retryable reports whether the failure mode may succeed on retry. This is
// the single source of truth for retry decisions across the engine.
func (c Code) Retryable() bool {
	if info, ok := catalog[c]; ok {
		return info.retryable
	}
	return false
}

// RetryableStatus reports whether an HTTP status from the IdP is worth
// retrying at the transport level. Applies only to responses that have not
// yet been classified into a Code.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}
