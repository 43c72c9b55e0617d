package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/commercekit/storegate/pkg/autherr"
	"github.com/commercekit/storegate/pkg/logger"
	"github.com/commercekit/storegate/pkg/tokens"
	"github.com/commercekit/storegate/pkg/tokens/refresh"
	"github.com/commercekit/storegate/pkg/tokens/verifier"
)

// entry is the mutable per-principal state. Its mutex serializes refresh for
// the session; the refresh engine's singleflight additionally dedupes across
// sessions sharing a refresh token.
type entry struct {
	mu     sync.Mutex
	set    *tokens.TokenSet
	claims *tokens.DecodedClaims
}

// Manager owns all active sessions. It is the sole authority for deciding
// when a session's tokens are refreshed: callers always go through Fresh and
// piggyback on its result instead of racing the IdP independently.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	refresh  *refresh.Engine
	verifier *verifier.Verifier
}

// NewManager creates a session manager backed by the given refresh engine.
// When v is non-nil, access tokens returned by a refresh are verified against
// the IdP's key set before their claims replace the session's.
func NewManager(engine *refresh.Engine, v *verifier.Verifier) *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
		refresh:  engine,
		verifier: v,
	}
}

// Create stores a new session and returns its opaque id.
func (m *Manager) Create(set *tokens.TokenSet, claims *tokens.DecodedClaims) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &entry{set: set, claims: claims}
	m.mu.Unlock()

	logger.Debugw("session created", "subject", claims.Subject)
	return id
}

// Delete removes a session, returning its final token set for revocation.
func (m *Manager) Delete(id string) *tokens.TokenSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Peek returns the current projection without triggering a refresh.
func (m *Manager) Peek(id string) (*Session, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Project(e.set, e.claims), true
}

// Fresh returns the session projection, refreshing the access token first
// when it is within the refresh buffer. The new token set is stored only
// after the refresh has actually succeeded or failed; the session never
// reflects an expiry the IdP has not granted.
func (m *Manager) Fresh(ctx context.Context, id string) (*Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, autherr.New(autherr.ErrSessionRequired, "unknown session id", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set.NeedsRefresh(m.refresh.Buffer()) {
		refreshed := m.refresh.Refresh(ctx, e.set)
		e.set = refreshed
		if refreshed.LastError == "" && refreshed.AccessToken != "" {
			// Claims are recomputed from the refreshed token so the
			// projection tracks role changes at the IdP.
			if updated, err := m.decodeRefreshed(ctx, refreshed.AccessToken); err != nil {
				logger.Warnw("refreshed access token failed verification",
					"subject", e.claims.Subject,
					"reason", autherr.CodeOf(err),
				)
				refreshed.LastError = autherr.CodeOf(err)
				refreshed.Roles = nil
			} else if updated != nil {
				e.claims = updated
				if roles := updated.Roles(); len(roles) > 0 {
					refreshed.Roles = roles
				}
			}
		}
	}

	return Project(e.set, e.claims), nil
}

// decodeRefreshed turns a refreshed access token into claims. With a verifier
// present the signature must check out before the claims are trusted; without
// one the token is decoded as-is.
func (m *Manager) decodeRefreshed(ctx context.Context, raw string) (*tokens.DecodedClaims, error) {
	if m.verifier == nil {
		return tokens.DecodeClaimsFromJWT(raw), nil
	}
	return m.verifier.Verify(ctx, raw, verifier.Options{})
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}
