package authflow

import (
	"sync"
	"time"

	"magictunnel/pkg/logging"
)

// defaultSessionExpiry bounds how long an Authorization Session waits for
// its callback before ValidateAndConsume treats it as expired.
const defaultSessionExpiry = 10 * time.Minute

// Session is the short-lived state tracked between minting an
// authorization URL and handling its callback.
type Session struct {
	State        string
	ServerName   string
	CodeVerifier string
	RedirectURI  string
	Scopes       []string
	Resources    []string
	Audience     string
	CreatedAt    time.Time
}

// SessionStore indexes in-flight Authorization Sessions by state
// parameter, matching internal/oauth/state_store.go's shape but keyed
// directly by the state value rather than a secondary nonce, since
// authflow's state is already a CSPRNG-generated opaque token.
//
// IMPORTANT: SessionStore starts a background cleanup goroutine; callers
// must call Stop() to release it.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]Session
	expiry      time.Duration
	stopCleanup chan struct{}
}

// NewSessionStore creates a SessionStore and starts its cleanup loop.
func NewSessionStore() *SessionStore {
	s := &SessionStore{
		sessions:    make(map[string]Session),
		expiry:      defaultSessionExpiry,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Create stores sess under sess.State, stamping CreatedAt.
func (s *SessionStore) Create(sess Session) {
	sess.CreatedAt = time.Now()
	s.mu.Lock()
	s.sessions[sess.State] = sess
	s.mu.Unlock()
}

// ValidateAndConsume looks up and deletes the session for state. Returns
// ok=false if no session exists or it has expired (an expired session is
// deleted either way, preventing replay).
func (s *SessionStore) ValidateAndConsume(state string) (Session, bool) {
	s.mu.Lock()
	sess, exists := s.sessions[state]
	if exists {
		delete(s.sessions, state)
	}
	s.mu.Unlock()

	if !exists {
		return Session{}, false
	}
	if time.Since(sess.CreatedAt) > s.expiry {
		return Session{}, false
	}
	return sess, true
}

// Peek looks up the session for state without consuming it, so a caller
// that needs to resolve per-server configuration before the exchange can
// find which server a pending callback belongs to. Returns ok=false for
// an unknown or expired state, matching ValidateAndConsume's criteria
// but leaving the session in place.
func (s *SessionStore) Peek(state string) (Session, bool) {
	s.mu.Lock()
	sess, exists := s.sessions[state]
	s.mu.Unlock()

	if !exists || time.Since(sess.CreatedAt) > s.expiry {
		return Session{}, false
	}
	return sess, true
}

// Stop terminates the background cleanup goroutine.
func (s *SessionStore) Stop() {
	close(s.stopCleanup)
}

func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *SessionStore) sweep() {
	s.mu.Lock()
	count := 0
	for state, sess := range s.sessions {
		if time.Since(sess.CreatedAt) > s.expiry {
			delete(s.sessions, state)
			count++
		}
	}
	s.mu.Unlock()

	if count > 0 {
		logging.Debug("AuthFlow", "swept %d expired authorization sessions", count)
	}
}
