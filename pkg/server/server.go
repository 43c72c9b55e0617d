// Package server exposes the gateway's HTTP auth surface: login initiation,
// the OAuth callback, logout, session introspection, and the authenticated
// proxy to the backend API.
package server

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/config"
	"github.com/commercekit/storegate/pkg/flow"
	"github.com/commercekit/storegate/pkg/logger"
	"github.com/commercekit/storegate/pkg/networking"
	"github.com/commercekit/storegate/pkg/session"
	"github.com/commercekit/storegate/pkg/tokens"
	"github.com/commercekit/storegate/pkg/tokens/refresh"
)

// SessionCookie is the name of the opaque session-id cookie.
const SessionCookie = "storegate_session"

// revokeTimeout bounds the detached IdP revocation on logout.
const revokeTimeout = 15 * time.Second

// Options configures the server beyond the auth config.
type Options struct {
	// BackendURL is the upstream REST API proxied under /api. Empty
	// disables the proxy.
	BackendURL string

	// FlowOptions are passed through to the flow constructor. Used by
	// tests to point at a mock IdP.
	FlowOptions []flow.Option

	// HTTPClient is used for token and revocation calls.
	HTTPClient *http.Client
}

// Server wires the auth engine's components behind a chi router.
type Server struct {
	cfg       *config.AuthConfig
	flow      *flow.Flow
	sessions  *session.Manager
	revoker   *session.Revoker
	responder *autherr.Responder
	backend   *url.URL
}

// New assembles a server from the loaded auth config.
func New(ctx context.Context, cfg *config.AuthConfig, opts Options) (*Server, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = networking.NewHttpClientBuilder().Build()
	}

	flowOpts := append([]flow.Option{flow.WithHTTPClient(httpClient)}, opts.FlowOptions...)
	f, err := flow.New(ctx, cfg, flowOpts...)
	if err != nil {
		return nil, err
	}

	engine := refresh.New(refresh.Options{
		TokenEndpoint: f.Endpoints().Token,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		HTTPClient:    httpClient,
	})

	s := &Server{
		cfg:       cfg,
		flow:      f,
		sessions:  session.NewManager(engine, f.Verifier()),
		revoker:   session.NewRevoker(f.Endpoints().Logout, cfg.ClientID, cfg.ClientSecret, httpClient),
		responder: autherr.NewResponder(cfg.Production),
	}

	if opts.BackendURL != "" {
		backend, err := url.Parse(opts.BackendURL)
		if err != nil {
			return nil, autherr.New(autherr.ErrConfigInvalid, "invalid backend URL", err)
		}
		s.backend = backend
	}

	return s, nil
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/auth/login", s.handleLogin)
	r.Get("/auth/callback", s.handleCallback)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/auth/session", s.handleSession)

	if s.backend != nil {
		proxy := httputil.NewSingleHostReverseProxy(s.backend)
		r.With(s.requireSession).Handle("/api/*", proxy)
	}

	return r
}

// requireSession attaches a fresh session to the request context and injects
// the bearer token for the backend, rejecting requests without a trustworthy
// session.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.freshSession(r)
		if err != nil {
			s.responder.Write(w, err)
			return
		}
		if sess.Error != "" {
			s.responder.Write(w, autherr.New(sess.Error, "session is not trustworthy", nil))
			return
		}

		r = r.WithContext(session.WithSession(r.Context(), sess))
		r.Header.Set("Authorization", "Bearer "+sess.AccessToken)
		next.ServeHTTP(w, r)
	})
}

// freshSession resolves the cookie to a refreshed session.
func (s *Server) freshSession(r *http.Request) (*session.Session, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, autherr.New(autherr.ErrSessionRequired, "no session cookie", nil)
	}
	return s.sessions.Fresh(r.Context(), cookie.Value)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.Production,
		SameSite: http.SameSiteLaxMode,
	})
}

// revokeDetached revokes the IdP session without blocking local teardown.
func (s *Server) revokeDetached(ts *tokens.TokenSet) {
	if ts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()
		s.revoker.Revoke(ctx, ts)
	}()
}

// logRequestRejected records a security-relevant rejection without echoing
// attacker-supplied values.
func logRequestRejected(r *http.Request, reason autherr.Code) {
	logger.Warnw("auth request rejected",
		"reason", reason,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
	)
}
