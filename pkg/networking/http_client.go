// Package networking provides hardened HTTP client construction and endpoint
// URL validation for calls to the identity provider.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient is the interface used for outgoing HTTP requests. Satisfied by
// *http.Client and by test doubles.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HttpTimeout is the default timeout for outgoing HTTP requests.
const HttpTimeout = 30 * time.Second

// MaxResponseSize caps IdP response bodies to prevent resource exhaustion.
const MaxResponseSize = 1024 * 1024 // 1MB

// HttpClientBuilder provides a fluent interface for building HTTP clients.
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowHTTP             bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder.
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	b.clientTimeout = d
	return b
}

// WithInsecureHTTP allows plain-HTTP endpoints. Intended for local
// development against a non-TLS IdP only.
func (b *HttpClientBuilder) WithInsecureHTTP(allow bool) *HttpClientBuilder {
	b.allowHTTP = allow
	return b
}

// Build constructs the HTTP client.
func (b *HttpClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	var rt http.RoundTripper = transport
	if !b.allowHTTP {
		rt = &ValidatingTransport{Transport: transport}
	}

	return &http.Client{
		Timeout:   b.clientTimeout,
		Transport: rt,
	}
}

// ValidatingTransport validates request URLs prior to forwarding. HTTPS is
// required except for localhost targets.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding the request.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" && !IsLocalhost(req.URL.Host) {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.Redacted())
	}
	return t.Transport.RoundTrip(req)
}

// IsLocalhost reports whether host (optionally host:port) refers to the
// local machine.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateEndpointURL checks that a URL is well-formed, absolute, and uses
// HTTPS (localhost excepted).
func ValidateEndpointURL(rawURL string) error {
	return ValidateEndpointURLWithInsecure(rawURL, false)
}

// ValidateEndpointURLWithInsecure checks that a URL is well-formed and
// absolute. HTTPS is required unless insecureAllowHTTP is set or the host is
// localhost.
func ValidateEndpointURLWithInsecure(rawURL string, insecureAllowHTTP bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must be absolute")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if insecureAllowHTTP || IsLocalhost(parsed.Host) {
			return nil
		}
		return fmt.Errorf("URL must use HTTPS")
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
}
