// Package transport implements the per-protocol clients the Server
// Manager dispatches tool calls through: a child process speaking
// line-delimited JSON over stdio, a stateless HTTP request/response
// client, an SSE client built on the single-session request queue, and a
// persistent WebSocket client.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by Execute/ListTools when called before
// Connect or after the client has been closed.
var ErrNotConnected = errors.New("transport: client not connected")

// Capability names an upstream may advertise during Initialize and that
// SupportsCapability queries. Named to match the MCP methods Forward
// dispatches to (sampling/createMessage, elicitation/create).
const (
	CapabilitySampling    = "sampling"
	CapabilityElicitation = "elicitation"
)

// ErrTransportError wraps connectivity-class I/O failures: refused
// connections, resets, timeouts at the socket level, broken pipes. The
// manager treats this class as eligible for transport cycling during
// initial connect.
type ErrTransportError struct {
	Op  string
	Err error
}

func (e *ErrTransportError) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *ErrTransportError) Unwrap() error { return e.Err }

// ToolDescriptor is a tool advertised by an upstream server.
type ToolDescriptor struct {
	Name         string
	Title        string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// CallResult is the outcome of a successful dispatch. IsError marks an
// upstream-originated tool error (as opposed to a transport fault, which
// is returned as a Go error instead).
type CallResult struct {
	Content json.RawMessage
	IsError bool
}

// Client is the common surface every transport implements. The Server
// Manager holds one Client per configured, enabled server.
type Client interface {
	// Connect establishes the underlying connection and performs
	// whatever handshake the transport requires.
	Connect(ctx context.Context) error
	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
	// ListTools returns the tools currently advertised by the upstream.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// Execute dispatches a single tool call and awaits its result.
	Execute(ctx context.Context, toolName string, args map[string]interface{}) (*CallResult, error)
	// Ping checks liveness without invoking a tool.
	Ping(ctx context.Context) error
	// Initialize performs the capability handshake: it echoes
	// clientCapabilities to the upstream and records which capabilities
	// (CapabilitySampling, CapabilityElicitation) the upstream advertises
	// in its response, for later SupportsCapability queries. Called once,
	// after Connect succeeds.
	Initialize(ctx context.Context, clientCapabilities map[string]bool) error
	// SupportsCapability reports whether the upstream advertised name
	// during Initialize.
	SupportsCapability(name string) bool
	// Forward relays a capability-scoped request (identified by its MCP
	// method name, e.g. "sampling/createMessage") to the upstream and
	// returns its raw result.
	Forward(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error)
}

// parseCapabilities extracts the capability flags an upstream returned
// from its initialize response.
func parseCapabilities(result json.RawMessage) map[string]bool {
	if len(result) == 0 {
		return nil
	}
	var payload struct {
		Capabilities map[string]bool `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil
	}
	return payload.Capabilities
}

// wireRequest is the outbound JSON-RPC-like envelope every transport in
// this package sends.
type wireRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string       `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// wireResponse is the inbound envelope every transport in this package
// parses.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newRequest(id, method string, params interface{}) wireRequest {
	return wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}
