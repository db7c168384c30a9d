package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HTTPAuthMode names how an HTTPClient authenticates its requests.
type HTTPAuthMode string

const (
	HTTPAuthNone   HTTPAuthMode = "none"
	HTTPAuthBearer HTTPAuthMode = "bearer"
	HTTPAuthAPIKey HTTPAuthMode = "api_key"
	HTTPAuthBasic  HTTPAuthMode = "basic"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL         string
	Auth            HTTPAuthMode
	BearerToken     string
	APIKeyHeader    string
	APIKeyValue     string
	BasicUsername   string
	BasicPassword   string
	Timeout         time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// HTTPClient dispatches one request per Execute call over plain HTTP,
// retrying connectivity-class failures and surfacing application errors
// (non-2xx) without retry. Connection reuse is bounded by a shared
// *http.Transport rather than one client per call.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client

	tokenMu sync.RWMutex
	token   string

	capsMu       sync.RWMutex
	capabilities map[string]bool
}

// NewHTTPClient builds an HTTPClient with a dedicated, bounded
// *http.Transport.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &HTTPClient{
		cfg:   cfg,
		token: cfg.BearerToken,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// SetBearerToken replaces the bearer token used for subsequent requests.
// Used by internal/authflow to keep an OAuth-backed client's credential
// current across refreshes without tearing down the connection.
func (c *HTTPClient) SetBearerToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Connect is a no-op for HTTP: there is no persistent connection to
// establish beyond what the shared *http.Transport manages lazily.
func (c *HTTPClient) Connect(ctx context.Context) error {
	return nil
}

// Close releases idle connections held by the underlying transport.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) applyAuth(req *http.Request) {
	switch c.cfg.Auth {
	case HTTPAuthBearer:
		c.tokenMu.RLock()
		token := c.token
		c.tokenMu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+token)
	case HTTPAuthAPIKey:
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyValue)
	case HTTPAuthBasic:
		req.SetBasicAuth(c.cfg.BasicUsername, c.cfg.BasicPassword)
	}
}

func (c *HTTPClient) doWithRetry(ctx context.Context, method, body string) (wireResponse, error) {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return wireResponse{}, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader([]byte(body)))
		if err != nil {
			return wireResponse{}, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if !isTransientConnectivityError(err) {
				return wireResponse{}, &ErrTransportError{Op: "do", Err: err}
			}
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return wireResponse{}, fmt.Errorf("request failed with status %d", resp.StatusCode)
		}

		var wr wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
			return wireResponse{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return wr, nil
	}

	return wireResponse{}, &ErrTransportError{Op: "do", Err: lastErr}
}

// isTransientConnectivityError classifies err as retriable connectivity
// noise (timeouts, connection refused/reset, DNS lookup failures) versus
// a configuration or application-level failure that should surface
// immediately.
func isTransientConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ne, ok := err.(net.Error); ok {
		netErr = ne
		if netErr.Timeout() {
			return true
		}
	}
	var dnsErr *net.DNSError
	if ok := asDNSError(err, &dnsErr); ok {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); ok {
		return true
	}
	return false
}

func asDNSError(err error, target **net.DNSError) bool {
	return errors.As(err, target)
}

func asOpError(err error, target **net.OpError) bool {
	return errors.As(err, target)
}

// ListTools requests the tool list over HTTP.
func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	req := newRequest(uuid.NewString(), "tools/list", nil)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, http.MethodPost, string(body))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list failed: %s", resp.Error.Message)
	}

	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	return payload.Tools, nil
}

// Execute invokes toolName over HTTP and returns its result.
func (c *HTTPClient) Execute(ctx context.Context, toolName string, args map[string]interface{}) (*CallResult, error) {
	req := newRequest(uuid.NewString(), "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	})
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, http.MethodPost, string(body))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &CallResult{IsError: true, Content: json.RawMessage(`"` + resp.Error.Message + `"`)}, nil
	}
	return &CallResult{Content: resp.Result}, nil
}

// Ping issues a lightweight request to confirm the upstream is
// reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req := newRequest(uuid.NewString(), "ping", nil)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	_, err = c.doWithRetry(ctx, http.MethodPost, string(body))
	return err
}

// Initialize echoes clientCapabilities to the upstream and records the
// capabilities it advertises in return.
func (c *HTTPClient) Initialize(ctx context.Context, clientCapabilities map[string]bool) error {
	req := newRequest(uuid.NewString(), "initialize", map[string]interface{}{"capabilities": clientCapabilities})
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.doWithRetry(ctx, http.MethodPost, string(body))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize failed: %s", resp.Error.Message)
	}
	c.capsMu.Lock()
	c.capabilities = parseCapabilities(resp.Result)
	c.capsMu.Unlock()
	return nil
}

// SupportsCapability reports whether the upstream advertised name during
// Initialize.
func (c *HTTPClient) SupportsCapability(name string) bool {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.capabilities[name]
}

// Forward relays method/req to the upstream over the same request
// channel Execute uses, returning its raw result.
func (c *HTTPClient) Forward(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	wreq := newRequest(uuid.NewString(), method, req)
	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.doWithRetry(ctx, http.MethodPost, string(body))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}
