// Package catalog computes the exposed, conflict-resolved tool names the
// client-facing protocol sees, and holds the current global snapshot of
// (exposed-name -> server, original-tool-name) mappings.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"magictunnel/internal/sanitize"
)

// Strategy names one of the conflict-resolution policies applied when
// two servers discover tools that sanitize to the same name.
type Strategy string

const (
	// LocalFirst lets a tool from a configured local prefix win; any
	// later colliding tool from another server is renamed.
	LocalFirst Strategy = "local-first"
	// ProxyFirst lets the first server-sourced tool win regardless of
	// local-prefix configuration.
	ProxyFirst Strategy = "proxy-first"
	// FirstFound keeps whichever tool was discovered first in insertion
	// order; later collisions are renamed.
	FirstFound Strategy = "first-found"
	// Reject aborts catalog publication entirely if any collision exists
	// after sanitization.
	Reject Strategy = "reject"
	// Prefix renames every losing tool's name with a deterministic
	// server_name tag instead of a random suffix.
	Prefix Strategy = "prefix"
)

// Entry is one discovered (server, tool) pair prior to conflict
// resolution.
type Entry struct {
	Server       string
	OriginalName string
	// LocalPrefix, when non-empty, marks this entry as sourced from a
	// server configured with local-first priority. Only consulted by
	// the LocalFirst strategy.
	LocalPrefix string
}

// Binding is the resolved mapping from an exposed name back to its
// source.
type Binding struct {
	ExposedName  string
	Server       string
	OriginalName string
}

// ErrCollision is returned by Resolve under the Reject strategy when any
// two entries sanitize to the same name.
type ErrCollision struct {
	Name    string
	Servers []string
}

func (e *ErrCollision) Error() string {
	return fmt.Sprintf("tool name collision on %q across servers %v", e.Name, e.Servers)
}

// Resolve computes the conflict-resolved Bindings for entries under the
// given strategy. It is a pure function: the same entries and strategy
// always produce the same result, and it does not mutate entries.
//
// Entries are processed in the order given; callers that need
// first-found semantics to be deterministic should supply entries in
// discovery order.
func Resolve(entries []Entry, strategy Strategy) ([]Binding, error) {
	sanitized := make([]string, len(entries))
	for i, e := range entries {
		sanitized[i] = sanitize.SanitizeToolName(e.OriginalName)
	}

	if strategy == Reject {
		bySanitized := make(map[string][]int)
		for i, name := range sanitized {
			bySanitized[name] = append(bySanitized[name], i)
		}
		for name, idxs := range bySanitized {
			if len(idxs) > 1 {
				servers := make([]string, len(idxs))
				for j, idx := range idxs {
					servers[j] = entries[idx].Server
				}
				sort.Strings(servers)
				return nil, &ErrCollision{Name: name, Servers: servers}
			}
		}
	}

	taken := make(map[string]bool, len(entries))
	bindings := make([]Binding, 0, len(entries))

	order := make([]int, len(entries))
	for i := range entries {
		order[i] = i
	}
	switch strategy {
	case LocalFirst:
		order = stableSortLocalFirst(entries)
	case ProxyFirst:
		order = stableSortProxyFirst(entries)
	}

	for _, i := range order {
		e := entries[i]
		name := sanitized[i]

		switch strategy {
		case LocalFirst, Prefix:
			if taken[name] {
				name = sanitize.EnsureUnique(serverPrefixed(e.Server, name), taken)
			}
		case ProxyFirst, FirstFound, Reject:
			name = sanitize.EnsureUnique(name, taken)
		}

		taken[name] = true
		bindings = append(bindings, Binding{
			ExposedName:  name,
			Server:       e.Server,
			OriginalName: e.OriginalName,
		})
	}

	return bindings, nil
}

// stableSortLocalFirst returns entry indices ordered so that entries
// with a non-empty LocalPrefix are processed first (and therefore win
// any collision), preserving relative order within each group.
func stableSortLocalFirst(entries []Entry) []int {
	local := make([]int, 0, len(entries))
	remote := make([]int, 0, len(entries))
	for i, e := range entries {
		if e.LocalPrefix != "" {
			local = append(local, i)
		} else {
			remote = append(remote, i)
		}
	}
	return append(local, remote...)
}

// stableSortProxyFirst returns entry indices ordered so that
// server-sourced entries (no LocalPrefix) are processed first and
// therefore win any collision, the inverse of stableSortLocalFirst.
func stableSortProxyFirst(entries []Entry) []int {
	local := make([]int, 0, len(entries))
	remote := make([]int, 0, len(entries))
	for i, e := range entries {
		if e.LocalPrefix != "" {
			local = append(local, i)
		} else {
			remote = append(remote, i)
		}
	}
	return append(remote, local...)
}

// serverPrefixed applies the deterministic server_name rename scheme a
// losing collision gets under LocalFirst and Prefix, instead of a random
// suffix: server "remote" losing "search" becomes "remote_search".
func serverPrefixed(server, name string) string {
	return server + "_" + name
}

// Catalog holds the current published snapshot of resolved bindings,
// readable concurrently with in-progress updates via a copy-on-write
// swap: readers never observe a partially updated map.
type Catalog struct {
	mu       sync.RWMutex
	byServer map[string][]Binding
	byName   map[string]Binding
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		byServer: make(map[string][]Binding),
		byName:   make(map[string]Binding),
	}
}

// UpdateServer replaces one server's contribution to the catalog with
// bindings, recomputing the full name index as a fresh map so concurrent
// readers of Lookup/All either see the old state or the new state, never
// a mix.
func (c *Catalog) UpdateServer(server string, bindings []Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byServer[server] = bindings

	newByName := make(map[string]Binding, len(c.byName)+len(bindings))
	for srv, bs := range c.byServer {
		for _, b := range bs {
			_ = srv
			newByName[b.ExposedName] = b
		}
	}
	c.byName = newByName
}

// RemoveServer drops a server's bindings entirely, e.g. on StopServer.
func (c *Catalog) RemoveServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byServer, server)

	newByName := make(map[string]Binding, len(c.byName))
	for srv, bs := range c.byServer {
		for _, b := range bs {
			_ = srv
			newByName[b.ExposedName] = b
		}
	}
	c.byName = newByName
}

// Lookup resolves an exposed name back to its (server, original-name)
// pair.
func (c *Catalog) Lookup(exposedName string) (Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byName[exposedName]
	return b, ok
}

// All returns a snapshot of every server's current bindings, keyed by
// server name.
func (c *Catalog) All() map[string][]Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]Binding, len(c.byServer))
	for server, bindings := range c.byServer {
		cp := make([]Binding, len(bindings))
		copy(cp, bindings)
		out[server] = cp
	}
	return out
}
