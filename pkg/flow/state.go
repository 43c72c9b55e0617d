package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/commercekit/storegate/pkg/autherr"
)

// stateTTL bounds how long a pending login may take. A state older than this
// is rejected even if otherwise well-formed.
const stateTTL = 10 * time.Minute

// PkceState is one pending login: the parameters issued with an
// authorization redirect, consumed exactly once when the callback arrives.
type PkceState struct {
	// State is the opaque token echoed back by the IdP.
	State string

	// CodeVerifier is the PKCE secret bound to the authorization code.
	CodeVerifier string

	// Nonce binds the resulting ID token to this login attempt.
	Nonce string

	// RedirectPath is the validated post-login redirect target.
	RedirectPath string

	// CreatedAt is when the redirect was issued.
	CreatedAt time.Time

	// ClientIP and UserAgent identify the requesting client for attack
	// pattern detection in logs.
	ClientIP  string
	UserAgent string
}

func (s *PkceState) expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > stateTTL
}

// StateStore holds pending logins in memory. Entries are consumed exactly
// once and swept when stale.
type StateStore struct {
	mu      sync.Mutex
	pending map[string]*PkceState
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{pending: make(map[string]*PkceState)}
}

// Issue records a new pending login and returns its state. Entries are fully
// populated before insertion; nothing mutates them after publication.
func (st *StateStore) Issue(redirectPath, clientIP, userAgent string) *PkceState {
	state := &PkceState{
		State:        uuid.NewString(),
		CodeVerifier: oauth2.GenerateVerifier(),
		Nonce:        uuid.NewString(),
		RedirectPath: redirectPath,
		CreatedAt:    time.Now(),
		ClientIP:     clientIP,
		UserAgent:    userAgent,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.sweepLocked(time.Now())
	st.pending[state.State] = state
	return state
}

// Consume removes and returns the pending login matching state. Unknown
// states fail with a state mismatch, stale ones as expired; either way the
// entry is gone afterwards so a state can never be replayed.
func (st *StateStore) Consume(state string) (*PkceState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.pending[state]
	if !ok {
		return nil, autherr.New(autherr.ErrStateMismatch, "no pending login for state", nil)
	}
	delete(st.pending, state)

	if entry.expired(time.Now()) {
		return nil, autherr.New(autherr.ErrStateExpired, "pending login outlived its TTL", nil)
	}
	return entry, nil
}

// Len returns the number of pending logins.
func (st *StateStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

func (st *StateStore) sweepLocked(now time.Time) {
	for k, v := range st.pending {
		if v.expired(now) {
			delete(st.pending, k)
		}
	}
}
