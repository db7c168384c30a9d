// Package status tracks the externally-observable lifecycle state of each
// upstream server the manager owns. It adapts the state-machine pattern
// muster's service layer uses (a mutex-guarded struct with a
// state-change callback invoked outside the lock) to the server states
// MagicTunnel exposes to the client-facing protocol.
package status

import (
	"fmt"
	"sync"
	"time"
)

// State is one point in a server's externally observed lifecycle.
type State int

const (
	// Configured is the initial state: the descriptor is loaded but the
	// server has not yet been spawned.
	Configured State = iota
	// Starting means the transport is being established (process spawn,
	// connection dial, or initial handshake).
	Starting
	// OAuthPending means discovery/registration completed and the server
	// is waiting for the user to complete the authorization-code flow.
	OAuthPending
	// OAuthInProgress means the authorization callback has been received
	// and the code is being exchanged for tokens.
	OAuthInProgress
	// OAuthFailed means the authorization flow could not complete; Reason
	// on the Status record carries why.
	OAuthFailed
	// Connected means the server is live and able to serve requests.
	Connected
	// ConnectionFailed means the transport could not be established or
	// was lost and retries are exhausted or not applicable.
	ConnectionFailed
	// Disconnected means the server was stopped deliberately (StopServer,
	// shutdown) or is between a lost connection and a fresh retry.
	Disconnected
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Configured:
		return "Configured"
	case Starting:
		return "Starting"
	case OAuthPending:
		return "OAuthPending"
	case OAuthInProgress:
		return "OAuthInProgress"
	case OAuthFailed:
		return "OAuthFailed"
	case Connected:
		return "Connected"
	case ConnectionFailed:
		return "ConnectionFailed"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Health is a coarse derived signal used by the manager's health surface.
// It is not probed fresh on every query; it is maintained alongside State.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// monotonic lists the states each state is allowed to transition to
// directly. A server cannot move from Connected back to Starting without
// passing through Disconnected first.
var monotonic = map[State]map[State]bool{
	Configured:       {Starting: true, Disconnected: true},
	Starting:         {OAuthPending: true, OAuthFailed: true, Connected: true, ConnectionFailed: true, Disconnected: true},
	OAuthPending:     {OAuthInProgress: true, OAuthFailed: true, Disconnected: true},
	OAuthInProgress:  {Connected: true, OAuthFailed: true, Disconnected: true},
	OAuthFailed:      {Starting: true, Disconnected: true},
	Connected:        {Disconnected: true, ConnectionFailed: true},
	ConnectionFailed: {Starting: true, Disconnected: true},
	Disconnected:     {Starting: true},
}

// Record is a snapshot of a server's status at a point in time.
type Record struct {
	State     State
	UpdatedAt time.Time
	// AuthURL is set while State is OAuthPending; it is the URL the user
	// must visit to complete authorization.
	AuthURL string
	// Reason carries a human-readable error or failure message for
	// OAuthFailed and ConnectionFailed; empty otherwise.
	Reason string
}

// ChangeCallback is invoked after a successful transition, outside of any
// internal lock, so callers may safely call back into Tracker from it.
type ChangeCallback func(server string, old, new Record)

// ErrInvalidTransition is returned by Tracker.Transition when the
// requested move violates the monotonic-lifecycle invariant.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// Tracker owns the status record for a single server. The manager holds
// one Tracker per configured server.
type Tracker struct {
	mu       sync.RWMutex
	name     string
	record   Record
	onChange ChangeCallback
}

// NewTracker creates a Tracker initialized to Configured.
func NewTracker(name string) *Tracker {
	return &Tracker{
		name: name,
		record: Record{
			State:     Configured,
			UpdatedAt: time.Now(),
		},
	}
}

// SetChangeCallback installs the callback invoked after each accepted
// transition. Replaces any previously set callback.
func (t *Tracker) SetChangeCallback(cb ChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = cb
}

// Get returns the current status record.
func (t *Tracker) Get() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.record
}

// Transition moves the tracker to newState, recording authURL and reason
// as applicable to the target state. It returns ErrInvalidTransition if
// the move is not allowed from the current state, and is a no-op
// returning nil if newState equals the current state.
func (t *Tracker) Transition(newState State, authURL, reason string) error {
	t.mu.Lock()
	old := t.record
	if old.State == newState {
		t.mu.Unlock()
		return nil
	}
	if allowed := monotonic[old.State]; !allowed[newState] {
		t.mu.Unlock()
		return &ErrInvalidTransition{From: old.State, To: newState}
	}

	newRecord := Record{
		State:     newState,
		UpdatedAt: time.Now(),
	}
	if newState == OAuthPending {
		newRecord.AuthURL = authURL
	}
	if newState == OAuthFailed || newState == ConnectionFailed {
		newRecord.Reason = reason
	}

	t.record = newRecord
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(t.name, old, newRecord)
	}
	return nil
}

// IsConnected reports whether the tracker's current state is Connected.
func (t *Tracker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.record.State == Connected
}

// DeriveHealth computes the coarse Health signal from the current state
// alone: Connected is Healthy, ConnectionFailed and OAuthFailed are
// Unhealthy, anything else is Unknown. Outcomes of recent requests are not
// considered.
func (t *Tracker) DeriveHealth() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch t.record.State {
	case Connected:
		return HealthHealthy
	case ConnectionFailed, OAuthFailed:
		return HealthUnhealthy
	default:
		return HealthUnknown
	}
}
