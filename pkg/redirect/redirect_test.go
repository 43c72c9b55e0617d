package redirect

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "https://app.example"

func TestValidateRedirect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		candidate string
		expected  string
	}{
		{name: "empty", candidate: "", expected: "/"},
		{name: "root", candidate: "/", expected: "/"},
		{name: "allowed prefix", candidate: "/admin/users", expected: "/admin/users"},
		{name: "allowed prefix exact", candidate: "/cart", expected: "/cart"},
		{name: "allowed with query", candidate: "/products/42?ref=mail", expected: "/products/42?ref=mail"},
		{name: "prefix lookalike", candidate: "/administrator", expected: "/"},
		{name: "unknown prefix", candidate: "/internal/tools", expected: "/"},
		{name: "denied api", candidate: "/api/orders", expected: "/"},
		{name: "denied auth", candidate: "/auth/callback", expected: "/"},
		{name: "denied signout", candidate: "/signout", expected: "/"},
		{name: "path traversal", candidate: "/admin/../api/secrets", expected: "/"},
		{name: "protocol relative", candidate: "//evil.example", expected: "/"},
		{name: "protocol relative with path", candidate: "//evil.example/admin", expected: "/"},
		{name: "backslash", candidate: "/\\evil.example", expected: "/"},
		{name: "backslash in path", candidate: "/admin\\users", expected: "/"},
		{name: "cross origin", candidate: "https://evil.example/x", expected: "/"},
		{name: "cross origin same path", candidate: "https://evil.example/admin", expected: "/"},
		{name: "same origin allowed", candidate: "https://app.example/admin/users", expected: "/admin/users"},
		{name: "same origin denied path", candidate: "https://app.example/api/orders", expected: "/"},
		{name: "scheme confusion", candidate: "javascript:alert(1)", expected: "/"},
		{name: "missing leading slash", candidate: "admin/users", expected: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, ValidateRedirect(tt.candidate, testBase))
		})
	}
}

func TestValidateRedirectIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"", "/", "/admin/users", "/products/42?ref=mail", "//evil.example",
		"https://evil.example/x", "https://app.example/cart", "/api/orders",
		"\\\\evil", "/wishlist", "admin",
	}
	for _, in := range inputs {
		once := ValidateRedirect(in, testBase)
		twice := ValidateRedirect(once, testBase)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestValidateAuthRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/auth/login?redirect=/seller/listings&popup=true&prompt=login", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	parsed, err := ValidateAuthRequest(req, testBase)
	require.NoError(t, err)

	assert.Equal(t, "/seller/listings", parsed.RedirectPath)
	assert.True(t, parsed.Popup)
	assert.False(t, parsed.Direct)
	assert.Equal(t, "login", parsed.Prompt)
	assert.True(t, parsed.Navigation)
}

func TestValidateAuthRequestRejectsUnknownPrompt(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/auth/login?prompt=signup", nil)
	_, err := ValidateAuthRequest(req, testBase)
	require.Error(t, err)
}

func TestValidateAuthRequestSanitizesRedirect(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/auth/login?redirect=https://evil.example/", nil)
	parsed, err := ValidateAuthRequest(req, testBase)
	require.NoError(t, err)
	assert.Equal(t, "/", parsed.RedirectPath)
}

func TestIsNavigationRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		headers  map[string]string
		expected bool
	}{
		{
			name:     "sec-fetch navigate",
			headers:  map[string]string{"Sec-Fetch-Mode": "navigate"},
			expected: true,
		},
		{
			name:     "sec-fetch cors",
			headers:  map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"},
			expected: false,
		},
		{
			name:     "no fetch metadata html accept",
			headers:  map[string]string{"Accept": "text/html,application/xhtml+xml"},
			expected: true,
		},
		{
			name:     "no fetch metadata json accept",
			headers:  map[string]string{"Accept": "application/json"},
			expected: false,
		},
		{
			name:     "no headers at all",
			headers:  nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, IsNavigationRequest(req))
		})
	}
}
