package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// sseTestServer emulates an upstream that serves a GET event stream and
// accepts POSTed requests on the same path, echoing a success result
// for every request it receives back down the stream.
type sseTestServer struct {
	mu      sync.Mutex
	flusher http.Flusher
	w       http.ResponseWriter
}

func newSSETestServer(t *testing.T) (*httptest.Server, *sseTestServer) {
	t.Helper()
	ts := &sseTestServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher, ok := w.(http.Flusher)
			if !ok {
				t.Fatalf("response writer does not support flushing")
			}
			ts.mu.Lock()
			ts.w = w
			ts.flusher = flusher
			ts.mu.Unlock()
			flusher.Flush()
			<-r.Context().Done()
		case http.MethodPost:
			var req wireRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode post: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)

			var result string
			switch req.Method {
			case "tools/list":
				result = `{"tools":[{"Name":"echo"}]}`
			default:
				result = `{}`
			}
			frame, _ := json.Marshal(wireResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(result)})

			ts.mu.Lock()
			w2, fl := ts.w, ts.flusher
			ts.mu.Unlock()
			if w2 != nil {
				fmt.Fprintf(w2, "data: %s\n\n", frame)
				fl.Flush()
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	return srv, ts
}

func TestSSEClientListToolsAndExecute(t *testing.T) {
	srv, _ := newSSETestServer(t)
	defer srv.Close()

	c := NewSSEClient("remote", SSEConfig{
		BaseURL:        srv.URL,
		SingleSession:  true,
		RequestTimeout: 2 * time.Second,
	})
	defer c.Close()

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tools, err := c.ListTools(t.Context())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	result, err := c.Execute(t.Context(), "echo", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success result")
	}
}

func TestSSEClientConcurrentModeUnboundedQueuePing(t *testing.T) {
	srv, _ := newSSETestServer(t)
	defer srv.Close()

	c := NewSSEClient("remote", SSEConfig{
		BaseURL:        srv.URL,
		SingleSession:  false,
		MaxQueueSize:   0,
		RequestTimeout: 2 * time.Second,
	})
	defer c.Close()

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSSEClientBearerAuthDynamicToken(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex
	var fl http.Flusher
	var rw http.ResponseWriter

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			f := w.(http.Flusher)
			f.Flush()
			mu.Lock()
			fl, rw = f, w
			mu.Unlock()
			<-r.Context().Done()
			return
		}
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		frame, _ := json.Marshal(wireResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
		mu.Lock()
		if rw != nil {
			fmt.Fprintf(rw, "data: %s\n\n", frame)
			fl.Flush()
		}
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewSSEClient("remote", SSEConfig{
		BaseURL:        srv.URL,
		Auth:           HTTPAuthBearer,
		BearerToken:    "first",
		SingleSession:  true,
		RequestTimeout: 2 * time.Second,
	})
	defer c.Close()
	c.SetBearerToken("second")

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer second" {
		t.Fatalf("expected refreshed bearer token, got %q", gotAuth)
	}
}
