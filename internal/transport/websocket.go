package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"magictunnel/pkg/logging"
)

// WebSocketConfig configures a WebSocketClient.
type WebSocketConfig struct {
	BaseURL          string
	Auth             HTTPAuthMode
	BearerToken      string
	APIKeyHeader     string
	APIKeyValue      string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	Reconnect        bool
	MaxReconnectTries int
}

// WebSocketClient dispatches correlation-id-based requests over a
// persistent WebSocket connection, mirroring the read-pump/write-pump
// split of a client-side broadcast hub: one goroutine demultiplexes
// inbound frames by correlation id, a mutex-guarded writer serializes
// outbound ones.
type WebSocketClient struct {
	name string
	cfg  WebSocketConfig

	mu       sync.RWMutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	pending  map[string]chan wireResponse
	closed   bool
	lastPong time.Time

	tokenMu sync.RWMutex
	token   string

	capsMu       sync.RWMutex
	capabilities map[string]bool
}

// SetBearerToken replaces the bearer token used on the next (re)dial,
// mirroring HTTPClient.SetBearerToken for OAuth-backed WebSocket
// endpoints. A live connection is not retroactively re-authenticated;
// the new token takes effect on the next Connect.
func (c *WebSocketClient) SetBearerToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// NewWebSocketClient creates a WebSocketClient for server name using cfg.
func NewWebSocketClient(name string, cfg WebSocketConfig) *WebSocketClient {
	return &WebSocketClient{
		name:    name,
		cfg:     cfg,
		token:   cfg.BearerToken,
		pending: make(map[string]chan wireResponse),
	}
}

func (c *WebSocketClient) headers() http.Header {
	h := http.Header{}
	switch c.cfg.Auth {
	case HTTPAuthBearer:
		c.tokenMu.RLock()
		token := c.token
		c.tokenMu.RUnlock()
		h.Set("Authorization", "Bearer "+token)
	case HTTPAuthAPIKey:
		h.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyValue)
	}
	return h
}

// Connect dials the WebSocket endpoint and starts the read pump.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid websocket base url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), c.headers())
	if err != nil {
		return &ErrTransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.closed = false
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	go c.readPump(conn)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

func (c *WebSocketClient) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnLost(conn, err)
			return
		}

		var resp wireResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logging.Warn("Transport", "%s: unparseable websocket frame: %v", c.name, err)
			continue
		}

		c.mu.RLock()
		ch, ok := c.pending[resp.ID]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *WebSocketClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	pongTimeout := c.cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = c.cfg.PingInterval
	}

	for range ticker.C {
		c.mu.RLock()
		closed := c.closed
		current := c.conn
		lastPong := c.lastPong
		c.mu.RUnlock()
		if closed || current != conn {
			return
		}

		if time.Since(lastPong) > c.cfg.PingInterval+pongTimeout {
			logging.Warn("Transport", "%s: missed websocket pong, reconnecting", c.name)
			c.onConnLost(conn, fmt.Errorf("pong timeout"))
			return
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			c.onConnLost(conn, err)
			return
		}
	}
}

// onConnLost fails every outstanding request and, if this is still the
// active connection, either reconnects or marks the client closed.
func (c *WebSocketClient) onConnLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	conn.Close()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan wireResponse)
	reconnect := c.cfg.Reconnect && !c.closed
	c.mu.Unlock()

	logging.Warn("Transport", "%s: websocket connection lost: %v", c.name, cause)
	for _, ch := range pending {
		select {
		case ch <- wireResponse{Error: &wireError{Message: "transport reset: connection lost"}}:
		default:
		}
	}

	if reconnect {
		go c.reconnectLoop()
	}
}

func (c *WebSocketClient) reconnectLoop() {
	delay := time.Second
	attempt := 0
	for {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		attempt++
		if c.cfg.MaxReconnectTries > 0 && attempt > c.cfg.MaxReconnectTries {
			return
		}

		time.Sleep(delay)
		if err := c.Connect(context.Background()); err == nil {
			return
		}
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

// Close shuts down the connection and pending reconnect attempts.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *WebSocketClient) call(ctx context.Context, method string, params interface{}) (wireResponse, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return wireResponse{}, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan wireResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := newRequest(id, method, params)
	body, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("failed to encode request: %w", err)
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, body)
	c.writeMu.Unlock()
	if writeErr != nil {
		return wireResponse{}, &ErrTransportError{Op: "write", Err: writeErr}
	}

	select {
	case resp := <-ch:
		if resp.ID != id && resp.Error != nil {
			return wireResponse{}, &ErrTransportError{Op: "read", Err: fmt.Errorf("%s", resp.Error.Message)}
		}
		return resp, nil
	case <-ctx.Done():
		return wireResponse{}, ctx.Err()
	}
}

// ListTools requests the tool list over the WebSocket connection.
func (c *WebSocketClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.call(ctx, "tools/list", nil)
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

// Execute invokes toolName over the WebSocket connection.
func (c *WebSocketClient) Execute(ctx context.Context, toolName string, args map[string]interface{}) (*CallResult, error) {
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &CallResult{IsError: true, Content: json.RawMessage(`"` + resp.Error.Message + `"`)}, nil
	}
	return &CallResult{Content: resp.Result}, nil
}

// Ping checks liveness by calling the tool protocol's ping method.
func (c *WebSocketClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Initialize echoes clientCapabilities to the upstream and records the
// capabilities it advertises in return.
func (c *WebSocketClient) Initialize(ctx context.Context, clientCapabilities map[string]bool) error {
	resp, err := c.call(ctx, "initialize", map[string]interface{}{"capabilities": clientCapabilities})
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
func (c *WebSocketClient) SupportsCapability(name string) bool {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.capabilities[name]
}

// Forward relays method/req over the WebSocket connection and returns
// its raw result.
func (c *WebSocketClient) Forward(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	resp, err := c.call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}
