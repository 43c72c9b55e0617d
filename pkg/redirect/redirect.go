// Package redirect validates post-login redirect targets and inbound
// authorization-initiation requests.
//
// The allow-list of known path prefixes is the actual security boundary; the
// deny-list exists as defense in depth and for readable rejection reasons. A
// deny-list alone is insufficient against novel bypass techniques.
package redirect

import (
	"net/url"
	"strings"

	"github.com/commercekit/storegate/pkg/logger"
)

// DefaultPath is returned for every rejected candidate. An invalid redirect
// degrades to the home page rather than breaking login.
const DefaultPath = "/"

// allowedPrefixes are the top-level path prefixes a post-login redirect may
// target. A prefix matches itself and any subpath.
var allowedPrefixes = []string{
	"/account",
	"/admin",
	"/cart",
	"/checkout",
	"/dashboard",
	"/delivery",
	"/orders",
	"/products",
	"/search",
	"/seller",
	"/wishlist",
}

// deniedPrefixes are paths a redirect must never target even when they fall
// under an allowed prefix in a future layout change.
var deniedPrefixes = []string{
	"/api",
	"/auth",
	"/error",
	"/logout",
	"/signout",
}

// ValidateRedirect reduces an untrusted redirect candidate to a safe
// application-local path. It always returns a usable path and is idempotent:
// its output validates to itself.
func ValidateRedirect(candidate, appBaseURL string) string {
	if candidate == "" {
		return DefaultPath
	}

	// Protocol-relative URLs resolve against an attacker-chosen host.
	if strings.HasPrefix(candidate, "//") {
		logger.Warnw("rejected protocol-relative redirect", "length", len(candidate))
		return DefaultPath
	}

	// Backslashes are normalized to slashes by some browsers, turning a
	// "relative" path into a cross-origin URL.
	if strings.Contains(candidate, "\\") {
		logger.Warnw("rejected redirect containing backslash", "length", len(candidate))
		return DefaultPath
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		logger.Warnw("rejected unparseable redirect", "length", len(candidate))
		return DefaultPath
	}

	if parsed.IsAbs() || parsed.Host != "" {
		if !sameOrigin(parsed, appBaseURL) {
			logger.Warnw("rejected cross-origin redirect", "host", parsed.Host)
			return DefaultPath
		}
		// Same origin: strip the origin and re-validate what remains as a
		// relative path.
		stripped := parsed.EscapedPath()
		if parsed.RawQuery != "" {
			stripped += "?" + parsed.RawQuery
		}
		return ValidateRedirect(stripped, appBaseURL)
	}

	return validateRelativePath(parsed)
}

func validateRelativePath(parsed *url.URL) string {
	path := parsed.EscapedPath()
	if !strings.HasPrefix(path, "/") {
		return DefaultPath
	}

	// Raw traversal markers never survive, encoded or not.
	if strings.Contains(path, "..") {
		logger.Warnw("rejected redirect with path traversal marker")
		return DefaultPath
	}

	for _, deny := range deniedPrefixes {
		if hasPathPrefix(path, deny) {
			logger.Warnw("rejected denied redirect prefix", "prefix", deny)
			return DefaultPath
		}
	}

	if path == DefaultPath {
		return DefaultPath
	}

	for _, allow := range allowedPrefixes {
		if hasPathPrefix(path, allow) {
			if parsed.RawQuery != "" {
				return path + "?" + parsed.RawQuery
			}
			return path
		}
	}

	logger.Warnw("rejected redirect outside allowed prefixes")
	return DefaultPath
}

// hasPathPrefix reports whether path equals prefix or descends from it.
// Plain strings.HasPrefix would let "/adminx" match "/admin".
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// sameOrigin reports whether the absolute URL shares scheme and host with
// the application base URL.
func sameOrigin(candidate *url.URL, appBaseURL string) bool {
	base, err := url.Parse(appBaseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(candidate.Scheme, base.Scheme) &&
		strings.EqualFold(candidate.Host, base.Host)
}
