package redirect

import (
	"net/http"
	"strings"

	"github.com/commercekit/storegate/pkg/autherr"
)

// validPrompts are the four legal OIDC prompt values.
var validPrompts = map[string]struct{}{
	"none":           {},
	"login":          {},
	"consent":        {},
	"select_account": {},
}

// AuthRequest is the parsed, validated form of an authorization-initiation
// request.
type AuthRequest struct {
	// RedirectPath is the post-login redirect target, already reduced to a
	// safe application-local path.
	RedirectPath string

	// Popup indicates the login is happening in a popup window rather than
	// a full-page navigation.
	Popup bool

	// Direct indicates the caller wants an immediate IdP redirect without
	// an interstitial page.
	Direct bool

	// Prompt is the OIDC prompt value to forward, empty when unset.
	Prompt string

	// Navigation reports whether the request is a full browser navigation
	// as opposed to a fetch/XHR call.
	Navigation bool
}

// ValidateAuthRequest parses and validates the query parameters and fetch
// metadata of an inbound authorization-initiation request.
func ValidateAuthRequest(r *http.Request, appBaseURL string) (*AuthRequest, error) {
	q := r.URL.Query()

	prompt := q.Get("prompt")
	if prompt != "" {
		if _, ok := validPrompts[prompt]; !ok {
			return nil, autherr.New(autherr.ErrInvalidAuthRequest, "unsupported prompt value", nil)
		}
	}

	return &AuthRequest{
		RedirectPath: ValidateRedirect(q.Get("redirect"), appBaseURL),
		Popup:        boolParam(q.Get("popup")),
		Direct:       boolParam(q.Get("direct")),
		Prompt:       prompt,
		Navigation:   IsNavigationRequest(r),
	}, nil
}

// IsNavigationRequest classifies a request as a full browser navigation
// using Fetch Metadata, with an Accept-header heuristic for browsers that do
// not send Sec-Fetch-* headers.
func IsNavigationRequest(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func boolParam(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
