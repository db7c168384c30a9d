package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Method != "tools/call" {
			t.Fatalf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wireResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RetryAttempts: 1})
	result, err := c.Execute(t.Context(), "search", map[string]interface{}{"q": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success result")
	}
}

func TestHTTPClientServerErrorNoRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(wireResponse{JSONRPC: "2.0", ID: "1", Result: json.RawMessage(`{}`)})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RetryAttempts: 3, RetryDelay: time.Millisecond})
	if _, err := c.Execute(t.Context(), "t", nil); err == nil {
		t.Fatalf("expected error on 5xx")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected no retry on 5xx, got %d attempts", attempts)
	}
}

func TestHTTPClientApplicationErrorNoRetry(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RetryAttempts: 3, RetryDelay: time.Millisecond})
	if _, err := c.Execute(t.Context(), "t", nil); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected no retry on 4xx, got %d attempts", attempts)
	}
}

func TestHTTPClientBearerAuthDynamicToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(wireResponse{JSONRPC: "2.0", ID: "1", Result: json.RawMessage(`{}`)})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Auth: HTTPAuthBearer, BearerToken: "first", RetryAttempts: 1})
	c.SetBearerToken("second")
	if _, err := c.Ping(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer second" {
		t.Fatalf("expected refreshed bearer token, got %q", gotAuth)
	}
}
