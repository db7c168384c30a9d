package authflow

import (
	"os"
	"path/filepath"
	"sync"

	"magictunnel/internal/capfile"
	"magictunnel/pkg/logging"
	"magictunnel/pkg/oauth"
)

// TokenStore holds one Token Set per upstream server, matching
// internal/oauth/token_store.go's shape but keyed by server name rather
// than (session, issuer, scope), since MagicTunnel authorizes once per
// upstream server rather than per end-user session. When dir is
// non-empty, every Store call also persists the token set to disk so a
// restart does not force re-authorization.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*oauth.Token
	dir    string
}

// NewTokenStore creates an empty TokenStore. If dir is non-empty, tokens
// are persisted there (one JSON file per server) and loaded back with
// LoadAll.
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*oauth.Token),
		dir:    dir,
	}
}

func (ts *TokenStore) path(serverName string) string {
	return filepath.Join(ts.dir, serverName+".token.json")
}

// Store saves token for serverName, persisting to disk if a directory
// was configured. A persistence failure is logged, not returned: the
// in-memory token set remains authoritative for the running process,
// matching the Manager's "log, don't invalidate" handling of capability
// file write failures.
func (ts *TokenStore) Store(serverName string, token *oauth.Token) {
	ts.mu.Lock()
	ts.tokens[serverName] = token
	ts.mu.Unlock()

	if ts.dir == "" {
		return
	}
	if err := capfile.WriteAtomicJSON(ts.path(serverName), token); err != nil {
		logging.Warn("AuthFlow", "failed to persist token for %s: %v", serverName, err)
	}
}

// Get returns the stored token for serverName, or nil if none exists.
// Expired tokens are returned as stored.
func (ts *TokenStore) Get(serverName string) *oauth.Token {
	ts.mu.RLock()
	token, ok := ts.tokens[serverName]
	ts.mu.RUnlock()
	if !ok {
		return nil
	}
	return token
}

// Delete removes the stored token for serverName, including its
// persisted file if one exists.
func (ts *TokenStore) Delete(serverName string) {
	ts.mu.Lock()
	delete(ts.tokens, serverName)
	ts.mu.Unlock()

	if ts.dir != "" {
		os.Remove(ts.path(serverName))
	}
}

// LoadAll reads every persisted token file under the configured
// directory into memory, for use during startup before a fresh
// authorization flow would otherwise be required. Missing files or a
// missing directory are not errors.
func (ts *TokenStore) LoadAll(serverNames []string) {
	if ts.dir == "" {
		return
	}
	for _, name := range serverNames {
		var token oauth.Token
		if err := capfile.ReadJSON(ts.path(name), &token); err != nil {
			continue
		}
		ts.mu.Lock()
		ts.tokens[name] = &token
		ts.mu.Unlock()
	}
}
