package server

import (
	"encoding/json"
	"net/http"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/flow"
	"github.com/commercekit/storegate/pkg/logger"
	"github.com/commercekit/storegate/pkg/redirect"
)

// handleLogin validates the authorization-initiation request and either
// redirects to the IdP or, for fetch callers, returns the login URL as JSON.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := redirect.ValidateAuthRequest(r, s.cfg.BaseURL)
	if err != nil {
		logRequestRejected(r, autherr.CodeOf(err))
		s.responder.Write(w, err)
		return
	}

	authURL, err := s.flow.Begin(flow.BeginRequest{
		RedirectPath: req.RedirectPath,
		Prompt:       req.Prompt,
		ClientIP:     r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		s.responder.Write(w, err)
		return
	}

	// Fetch callers cannot follow a cross-origin redirect to the IdP; they
	// receive the URL and navigate themselves, unless they asked for a
	// direct redirect.
	if !req.Navigation && !req.Direct {
		writeJSON(w, http.StatusOK, map[string]string{"loginUrl": authURL})
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the login: state and nonce validation, code
// exchange, session creation, and the redirect to the stored target.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.flow.Callback(r.Context(), flow.CallbackRequest{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		ErrorCode:        q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		logRequestRejected(r, autherr.CodeOf(err))
		s.responder.Write(w, err)
		return
	}

	id := s.sessions.Create(result.TokenSet, result.Claims)
	s.setSessionCookie(w, id, 0)

	http.Redirect(w, r, result.RedirectPath, http.StatusFound)
}

// handleLogout tears the session down locally and revokes it at the IdP in
// the background.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		ts := s.sessions.Delete(cookie.Value)
		s.revokeDetached(ts)
	}
	s.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// handleSession returns the consumer projection of the caller's session,
// refreshing the access token first when it is close to expiry. This is the
// single point that decides refresh eligibility; all consumers piggyback on
// it.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.freshSession(r)
	if err != nil {
		s.responder.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("failed to encode response: %v", err)
	}
}
