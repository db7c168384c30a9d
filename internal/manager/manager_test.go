package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magictunnel/internal/catalog"
	"magictunnel/internal/descriptor"
)

type jsonRPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// toolServerStub serves tools/list and tools/call over the wire shape
// transport.HTTPClient speaks.
func toolServerStub(t *testing.T, tools []map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tools/list":
			payload, _ := json.Marshal(map[string]interface{}{"tools": tools})
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(payload),
			})
		case "tools/call":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(`{"ok":true}`),
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -1, "message": "unknown method"},
			})
		}
	}))
}

func httpDescriptor(name, baseURL string) descriptor.Descriptor {
	return descriptor.Descriptor{
		Name:      name,
		Enabled:   true,
		Transport: descriptor.TransportHTTP,
		HTTP:      &descriptor.HTTPConfig{BaseURL: baseURL, Auth: descriptor.AuthNone},
	}
}

func TestStartConnectsAndPublishesTools(t *testing.T) {
	srv := toolServerStub(t, []map[string]interface{}{
		{"name": "Echo Tool", "description": "echoes input"},
	})
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, []string{"echo"}, m.GetActiveServers())

	tools := m.GetAllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo_tool", tools[0].Name)
	assert.Equal(t, "echo", tools[0].Server)
}

func TestStartAggregatesPartialFailures(t *testing.T) {
	srv := toolServerStub(t, nil)
	defer srv.Close()

	descriptors := []descriptor.Descriptor{
		httpDescriptor("good", srv.URL),
		{
			Name:      "bad",
			Enabled:   true,
			Transport: descriptor.TransportProcess,
			Process:   &descriptor.ProcessConfig{Command: "/nonexistent/binary/magictunnel-test"},
		},
	}

	m := New(descriptors)
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	assert.Equal(t, []string{"good"}, m.GetActiveServers())
}

func TestExecuteUnknownServer(t *testing.T) {
	m := New(nil)
	_, err := m.Execute(context.Background(), "missing", "tool", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestExecuteNotConnected(t *testing.T) {
	m := New([]descriptor.Descriptor{httpDescriptor("echo", "http://127.0.0.1:0")})
	_, err := m.Execute(context.Background(), "echo", "tool", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestExecuteDispatchesToConnectedServer(t *testing.T) {
	srv := toolServerStub(t, nil)
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	result, err := m.Execute(context.Background(), "echo", "anytool", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestStopServerIsIdempotentAndClearsCatalog(t *testing.T) {
	srv := toolServerStub(t, []map[string]interface{}{{"name": "tool-a"}})
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))
	require.Len(t, m.GetAllTools(), 1)

	require.NoError(t, m.StopServer("echo"))
	assert.Empty(t, m.GetAllTools())
	assert.Empty(t, m.GetActiveServers())

	// Second stop is a no-op, not an error.
	require.NoError(t, m.StopServer("echo"))
}

func TestStopServerUnknownServer(t *testing.T) {
	m := New(nil)
	assert.ErrorIs(t, m.StopServer("ghost"), ErrUnknownServer)
}

func TestRestartServerReconnects(t *testing.T) {
	srv := toolServerStub(t, []map[string]interface{}{{"name": "tool-a"}})
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.RestartServer(context.Background(), "echo"))
	assert.Equal(t, []string{"echo"}, m.GetActiveServers())
}

func TestStopAllAggregatesAndStopsFlow(t *testing.T) {
	srv := toolServerStub(t, nil)
	defer srv.Close()

	m := New([]descriptor.Descriptor{
		httpDescriptor("a", srv.URL),
		httpDescriptor("b", srv.URL),
	})
	require.NoError(t, m.Start(context.Background()))
	assert.NoError(t, m.StopAll())
	assert.Empty(t, m.GetActiveServers())
}

func TestGetHealthStatusReflectsTrackerState(t *testing.T) {
	srv := toolServerStub(t, nil)
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	health := m.GetHealthStatus()
	require.Contains(t, health, "echo")
}

func TestSnapshotReportsToolCount(t *testing.T) {
	srv := toolServerStub(t, []map[string]interface{}{{"name": "a"}, {"name": "b"}})
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	snaps := m.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].ToolCount)
}

// capabilityServerStub extends toolServerStub's wire shape with an
// initialize handshake that advertises capabilities, plus a canned
// result for one forwarded method.
func capabilityServerStub(t *testing.T, capabilities map[string]bool, forwardMethod string, forwardResult json.RawMessage, forwardErr string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			payload, _ := json.Marshal(map[string]interface{}{"capabilities": capabilities})
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(payload),
			})
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(`{"tools":[]}`),
			})
		case forwardMethod:
			if forwardErr != "" {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -1, "message": forwardErr},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "result": forwardResult,
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -1, "message": "unknown method"},
			})
		}
	}))
}

func TestForwardSamplingRequestUnknownServer(t *testing.T) {
	m := New(nil)
	_, err := m.ForwardSamplingRequest(context.Background(), "missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestForwardSamplingRequestRequiresConnection(t *testing.T) {
	m := New([]descriptor.Descriptor{httpDescriptor("echo", "http://127.0.0.1:0")})
	_, err := m.ForwardSamplingRequest(context.Background(), "echo", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestForwardSamplingRequestRequiresUpstreamCapability(t *testing.T) {
	srv := capabilityServerStub(t, map[string]bool{}, "", nil, "")
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	_, err := m.ForwardSamplingRequest(context.Background(), "echo", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrCapabilityUnsupported)
}

func TestForwardSamplingRequestRoutesToCapableUpstream(t *testing.T) {
	srv := capabilityServerStub(t, map[string]bool{"sampling": true}, "sampling/createMessage", json.RawMessage(`{"ack":true}`), "")
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	result, err := m.ForwardSamplingRequest(context.Background(), "echo", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ack":true}`, string(result))
}

func TestForwardElicitationRequestPropagatesUpstreamError(t *testing.T) {
	srv := capabilityServerStub(t, map[string]bool{"elicitation": true}, "elicitation/create", nil, "elicitation declined")
	defer srv.Close()

	m := New([]descriptor.Descriptor{httpDescriptor("echo", srv.URL)})
	require.NoError(t, m.Start(context.Background()))

	_, err := m.ForwardElicitationRequest(context.Background(), "echo", json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "elicitation declined")
}

func TestWithConflictStrategyIsHonored(t *testing.T) {
	srv := toolServerStub(t, []map[string]interface{}{{"name": "shared"}})
	defer srv.Close()
	srv2 := toolServerStub(t, []map[string]interface{}{{"name": "shared"}})
	defer srv2.Close()

	m := New([]descriptor.Descriptor{
		httpDescriptor("first", srv.URL),
		httpDescriptor("second", srv2.URL),
	}, WithConflictStrategy(catalog.FirstFound))

	require.NoError(t, m.Start(context.Background()))
	tools := m.GetAllTools()
	require.Len(t, tools, 2)
}

func TestBackoffForGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, InitialBackoff, backoffFor(1))
	assert.Equal(t, InitialBackoff*2, backoffFor(2))
	assert.Equal(t, MaxBackoff, backoffFor(64))
}

func TestIsTransientConnectivityError(t *testing.T) {
	assert.True(t, isTransientConnectivityError(errors.New("dial tcp 127.0.0.1:1: connection refused")))
	assert.False(t, isTransientConnectivityError(errors.New("invalid_client")))
	assert.False(t, isTransientConnectivityError(nil))
}

func TestRunRetryLoopRestartsConnectionFailedServer(t *testing.T) {
	descriptors := []descriptor.Descriptor{
		{
			Name:      "flaky",
			Enabled:   true,
			Transport: descriptor.TransportProcess,
			Process:   &descriptor.ProcessConfig{Command: "/nonexistent/binary/magictunnel-test"},
		},
	}
	m := New(descriptors)
	require.Error(t, m.Start(context.Background()))

	// Force the retry window open immediately so the loop's next tick fires.
	entry := m.servers["flaky"]
	entry.mu.Lock()
	entry.nextRetryAfter = time.Now().Add(-time.Second)
	entry.mu.Unlock()

	m.retryEligibleServers(context.Background())
	// Still fails (binary genuinely doesn't exist), so the retried server
	// ends in ConnectionFailed again.
	record := entry.tracker.Get()
	assert.Equal(t, "ConnectionFailed", record.State.String())
}
