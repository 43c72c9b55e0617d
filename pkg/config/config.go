// Package config loads and caches the OAuth/OIDC configuration for the
// storefront gateway from the process environment.
//
// Every parameter is sourced from environment variables with a documented
// server-only vs public-fallback precedence: secrets are server-side-only,
// while non-secret parameters may fall back to their STOREGATE_PUBLIC_*
// counterpart so the same values can be shared with browser-side code.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/logger"
)

// Environment variable names. The *_PUBLIC_* variants are fallbacks for
// non-secret parameters only.
const (
	EnvAuthServerURL       = "STOREGATE_AUTH_SERVER_URL"
	EnvPublicAuthServerURL = "STOREGATE_PUBLIC_AUTH_SERVER_URL"
	EnvRealm               = "STOREGATE_REALM"
	EnvPublicRealm         = "STOREGATE_PUBLIC_REALM"
	EnvClientID            = "STOREGATE_CLIENT_ID"
	EnvPublicClientID      = "STOREGATE_PUBLIC_CLIENT_ID"
	EnvClientSecret        = "STOREGATE_CLIENT_SECRET" // #nosec G101 -- variable name, not a credential
	EnvBaseURL             = "STOREGATE_BASE_URL"
	EnvPublicBaseURL       = "STOREGATE_PUBLIC_BASE_URL"
	EnvAllowedHosts        = "STOREGATE_ALLOWED_HOSTS"
	EnvScope               = "STOREGATE_SCOPE"
	EnvEnvironment         = "STOREGATE_ENV"
)

// DefaultScope requests the scopes needed for a refreshable OIDC session.
// offline_access is required to obtain a refresh token at all; omitting it
// silently produces non-refreshable sessions.
const DefaultScope = "openid email profile offline_access"

// cacheTTL bounds staleness of the memoized config outside production, so
// iterative config changes do not require a restart. Production memoizes for
// the process lifetime.
const cacheTTL = 60 * time.Second

// AuthConfig holds the validated OAuth/OIDC parameters. Immutable once
// loaded.
type AuthConfig struct {
	// AuthServerURL is the identity provider base URL, without the realm path.
	AuthServerURL string

	// Realm is the Keycloak realm name.
	Realm string

	// ClientID is the OAuth client id.
	ClientID string

	// ClientSecret is set only for confidential clients. Sourced exclusively
	// from the server-side environment.
	ClientSecret string

	// BaseURL is the externally visible base URL of this application.
	BaseURL string

	// AllowedHosts is the operator-supplied allow-list of hosts the gateway
	// may talk to or redirect toward. Keys are lowercase hostnames.
	AllowedHosts map[string]struct{}

	// Scope is the OAuth scope string sent on authorization requests.
	Scope string

	// Production reports whether the process runs in a production
	// environment.
	Production bool
}

// IsConfidential reports whether the OAuth client has a client secret.
func (c *AuthConfig) IsConfidential() bool {
	return c.ClientSecret != ""
}

// IssuerURL returns the OIDC issuer, the auth server base with the realm
// path appended.
func (c *AuthConfig) IssuerURL() string {
	return realmBase(c.AuthServerURL, c.Realm)
}

// AuthorizationEndpoint returns the authorization endpoint URL.
func (c *AuthConfig) AuthorizationEndpoint() string {
	return c.IssuerURL() + "/protocol/openid-connect/auth"
}

// TokenEndpoint returns the token endpoint URL.
func (c *AuthConfig) TokenEndpoint() string {
	return c.IssuerURL() + "/protocol/openid-connect/token"
}

// UserinfoEndpoint returns the userinfo endpoint URL.
func (c *AuthConfig) UserinfoEndpoint() string {
	return c.IssuerURL() + "/protocol/openid-connect/userinfo"
}

// LogoutEndpoint returns the end-session endpoint URL.
func (c *AuthConfig) LogoutEndpoint() string {
	return c.IssuerURL() + "/protocol/openid-connect/logout"
}

// JWKSEndpoint returns the JSON Web Key Set endpoint URL.
func (c *AuthConfig) JWKSEndpoint() string {
	return c.IssuerURL() + "/protocol/openid-connect/certs"
}

// RedirectURL returns the OAuth callback URL on this application.
func (c *AuthConfig) RedirectURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/auth/callback"
}

// realmBase joins the realm path onto the auth server base URL. Exactly one
// trailing slash is stripped from the base first; stripping more would mask a
// malformed value, stripping none would produce a double-slash URL the IdP
// rejects.
func realmBase(serverURL, realm string) string {
	base := strings.TrimSuffix(serverURL, "/")
	return base + "/realms/" + realm
}

// Loader loads and memoizes the AuthConfig. It owns the cache's TTL logic
// and returns the same immutable snapshot to all callers until it expires.
type Loader struct {
	mu       sync.Mutex
	cached   *AuthConfig
	loadedAt time.Time
}

// NewLoader creates a config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// defaultLoader backs the package-level Load.
var defaultLoader = NewLoader()

// Load returns the process-wide AuthConfig, loading it on first use.
func Load() (*AuthConfig, error) {
	return defaultLoader.Load()
}

// Load returns the cached config, reloading from the environment when the
// cache is empty or, outside production, older than the cache TTL.
func (l *Loader) Load() (*AuthConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil {
		if l.cached.Production || time.Since(l.loadedAt) < cacheTTL {
			return l.cached, nil
		}
	}

	cfg, err := loadFromEnv()
	if err != nil {
		// A stale non-production snapshot is better than failing requests
		// while the operator is mid-edit.
		if l.cached != nil {
			logger.Warnf("config reload failed, keeping previous snapshot: %v", err)
			l.loadedAt = time.Now()
			return l.cached, nil
		}
		return nil, err
	}

	l.cached = cfg
	l.loadedAt = time.Now()
	return cfg, nil
}

// Reset drops the cached config. Intended for tests.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached = nil
}

// envString resolves a server-side variable with an optional public
// fallback.
func envString(v *viper.Viper, key, fallbackKey string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	if fallbackKey == "" {
		return ""
	}
	return strings.TrimSpace(v.GetString(fallbackKey))
}

// loadFromEnv reads, validates and derives the config from the process
// environment.
func loadFromEnv() (*AuthConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	env := strings.ToLower(envString(v, EnvEnvironment, "ENV"))
	production := env == "production" || env == "prod"

	cfg := &AuthConfig{
		AuthServerURL: envString(v, EnvAuthServerURL, EnvPublicAuthServerURL),
		Realm:         envString(v, EnvRealm, EnvPublicRealm),
		ClientID:      envString(v, EnvClientID, EnvPublicClientID),
		ClientSecret:  envString(v, EnvClientSecret, ""),
		BaseURL:       envString(v, EnvBaseURL, EnvPublicBaseURL),
		Scope:         envString(v, EnvScope, ""),
		Production:    production,
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}

	required := map[string]string{
		EnvAuthServerURL: cfg.AuthServerURL,
		EnvRealm:         cfg.Realm,
		EnvClientID:      cfg.ClientID,
		EnvBaseURL:       cfg.BaseURL,
	}
	for name, value := range required {
		if value == "" {
			return nil, autherr.Newf(autherr.ErrConfigMissing, nil, "required environment variable %s is not set", name)
		}
	}

	issuerHost, err := hostOf(cfg.AuthServerURL)
	if err != nil {
		return nil, autherr.Newf(autherr.ErrConfigInvalid, err, "%s is not a valid URL", EnvAuthServerURL)
	}
	if _, err := hostOf(cfg.BaseURL); err != nil {
		return nil, autherr.Newf(autherr.ErrConfigInvalid, err, "%s is not a valid URL", EnvBaseURL)
	}
	if strings.ContainsAny(cfg.Realm, "/?#") {
		return nil, autherr.Newf(autherr.ErrConfigInvalid, nil, "%s must be a bare realm name", EnvRealm)
	}

	cfg.AllowedHosts = parseAllowedHosts(v.GetString(EnvAllowedHosts))

	// SSRF guard: in production the issuer host must be pre-approved by the
	// operator. Fail closed when no allow-list is configured. Local
	// development tolerates an unset list.
	if production {
		if len(cfg.AllowedHosts) == 0 {
			return nil, autherr.New(autherr.ErrIssuerNotAllowed,
				fmt.Sprintf("%s must be set in production", EnvAllowedHosts), nil)
		}
		if _, ok := cfg.AllowedHosts[issuerHost]; !ok {
			return nil, autherr.Newf(autherr.ErrIssuerNotAllowed, nil,
				"issuer host %q is not in the allowed host list", issuerHost)
		}
	}

	logger.Debugw("auth config loaded",
		"issuer", cfg.IssuerURL(),
		"client_id", cfg.ClientID,
		"confidential", cfg.IsConfidential(),
		"production", production,
	)

	return cfg, nil
}

func hostOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("missing host")
	}
	return strings.ToLower(parsed.Hostname()), nil
}

func parseAllowedHosts(raw string) map[string]struct{} {
	hosts := make(map[string]struct{})
	for _, h := range strings.Split(raw, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	return hosts
}
