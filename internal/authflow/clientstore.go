package authflow

import (
	"path/filepath"
	"sync"

	"magictunnel/internal/capfile"
	"magictunnel/pkg/logging"
	"magictunnel/pkg/oauth"
)

// ClientStore holds one Registered Client Record per upstream server.
// Created on first successful dynamic registration, reused thereafter;
// records are never removed: the store has no removal operation.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]*oauth.ClientMetadata
	dir     string
}

// NewClientStore creates an empty ClientStore. If dir is non-empty,
// records are persisted there, one JSON file per server.
func NewClientStore(dir string) *ClientStore {
	return &ClientStore{
		clients: make(map[string]*oauth.ClientMetadata),
		dir:     dir,
	}
}

func (cs *ClientStore) path(serverName string) string {
	return filepath.Join(cs.dir, serverName+".client.json")
}

// Store saves the registered client metadata for serverName.
func (cs *ClientStore) Store(serverName string, metadata *oauth.ClientMetadata) {
	cs.mu.Lock()
	cs.clients[serverName] = metadata
	cs.mu.Unlock()

	if cs.dir == "" {
		return
	}
	if err := capfile.WriteAtomicJSON(cs.path(serverName), metadata); err != nil {
		logging.Warn("AuthFlow", "failed to persist client record for %s: %v", serverName, err)
	}
}

// Get returns the registered client metadata for serverName, loading it
// from disk on first access if not yet cached in memory.
func (cs *ClientStore) Get(serverName string) *oauth.ClientMetadata {
	cs.mu.RLock()
	metadata, ok := cs.clients[serverName]
	cs.mu.RUnlock()
	if ok {
		return metadata
	}

	if cs.dir == "" {
		return nil
	}
	var loaded oauth.ClientMetadata
	if err := capfile.ReadJSON(cs.path(serverName), &loaded); err != nil {
		return nil
	}
	cs.mu.Lock()
	cs.clients[serverName] = &loaded
	cs.mu.Unlock()
	return &loaded
}
