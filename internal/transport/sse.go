package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"magictunnel/internal/ssequeue"
	"magictunnel/pkg/logging"
)

// SSEReconnectPolicy bounds the backoff applied while reopening a lost
// event stream.
type SSEReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = unlimited
}

// SSEConfig configures an SSEClient.
type SSEConfig struct {
	BaseURL          string
	Auth             HTTPAuthMode
	BearerToken      string
	APIKeyHeader     string
	APIKeyValue      string
	QueryParamName   string
	QueryParamValue  string
	SingleSession    bool
	MaxQueueSize     int
	RequestTimeout   time.Duration
	HeartbeatInterval time.Duration
	Reconnect        bool
	ReconnectPolicy  SSEReconnectPolicy
}

// SSEClient consumes a persistent server-sent-events stream for responses
// and POSTs requests over a side channel, serializing them through
// internal/ssequeue when the upstream can only process one request at a
// time.
type SSEClient struct {
	name string
	cfg  SSEConfig

	httpClient *http.Client
	queue      *ssequeue.Queue

	// OnEvent, when set, receives unsolicited server-initiated events
	// (those whose correlation id does not match an outstanding ticket).
	OnEvent func(method string, params json.RawMessage)

	mu         sync.Mutex
	cancelRead context.CancelFunc
	missedBeat int32
	closed     bool

	tokenMu sync.RWMutex
	token   string

	capsMu       sync.RWMutex
	capabilities map[string]bool
}

// SetBearerToken replaces the bearer token used for subsequent requests,
// mirroring HTTPClient.SetBearerToken for OAuth-backed SSE endpoints.
func (c *SSEClient) SetBearerToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// NewSSEClient creates an SSEClient for server name using cfg.
func NewSSEClient(name string, cfg SSEConfig) *SSEClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := &SSEClient{
		name:       name,
		cfg:        cfg,
		token:      cfg.BearerToken,
		httpClient: &http.Client{},
	}
	c.queue = ssequeue.New(cfg.SingleSession, cfg.MaxQueueSize, cfg.RequestTimeout, c.post)
	c.queue.OnEvent = c.handleUnsolicited
	return c
}

func (c *SSEClient) handleUnsolicited(msg ssequeue.Message) {
	if c.OnEvent != nil {
		c.OnEvent(msg.Method, msg.Params)
	}
}

func (c *SSEClient) applyAuth(req *http.Request) {
	switch c.cfg.Auth {
	case HTTPAuthBearer:
		c.tokenMu.RLock()
		token := c.token
		c.tokenMu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+token)
	case HTTPAuthAPIKey:
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyValue)
	}
	if c.cfg.QueryParamName != "" {
		q := req.URL.Query()
		q.Set(c.cfg.QueryParamName, c.cfg.QueryParamValue)
		req.URL.RawQuery = q.Encode()
	}
}

// Connect opens the event stream and starts its reader loop. It returns
// once the stream has been successfully opened (the first read does not
// need to return data).
func (c *SSEClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	readCtx, cancel := context.WithCancel(context.Background())

	resp, err := c.openStream(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.cancelRead = cancel
	c.mu.Unlock()

	c.queue.SetState(ssequeue.Open)
	go c.readLoop(readCtx, resp)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(readCtx)
	}
	return nil
}

func (c *SSEClient) openStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ErrTransportError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &ErrTransportError{Op: "connect", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return resp, nil
}

// readLoop parses "data: <json>" frames delimited by blank lines and
// routes each one through the queue. On stream loss it fails outstanding
// tickets and triggers reconnection (or closes the queue when reconnect
// is disabled).
func (c *SSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var dataBuf strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			if dataBuf.Len() > 0 {
				c.dispatchFrame(dataBuf.String())
				dataBuf.Reset()
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			dataBuf.WriteString(strings.TrimPrefix(after, " "))
		}
	}

	if dataBuf.Len() > 0 {
		c.dispatchFrame(dataBuf.String())
	}

	c.onStreamLost()
}

func (c *SSEClient) dispatchFrame(data string) {
	atomic.StoreInt32(&c.missedBeat, 0)

	var resp wireResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		logging.Warn("Transport", "%s: unparseable SSE frame: %v", c.name, err)
		return
	}

	msg := ssequeue.Message{CorrelationID: resp.ID, Result: resp.Result}
	if resp.Error != nil {
		msg.Err = fmt.Errorf("%s", resp.Error.Message)
	}
	c.queue.HandleMessage(msg)
}

func (c *SSEClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				if atomic.AddInt32(&c.missedBeat, 1) >= 2 {
					logging.Warn("Transport", "%s: two consecutive missed heartbeats, reconnecting", c.name)
					c.onStreamLost()
					return
				}
			}
		}
	}
}

// onStreamLost fails every outstanding ticket and, if reconnection is
// enabled, begins the backoff loop; otherwise the queue is closed.
func (c *SSEClient) onStreamLost() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.queue.ResetAll()

	if !c.cfg.Reconnect {
		c.queue.SetState(ssequeue.Closed)
		return
	}
	go c.reconnectLoop()
}

func (c *SSEClient) reconnectLoop() {
	delay := c.cfg.ReconnectPolicy.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.ReconnectPolicy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}

	attempt := 0
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		attempt++
		c.queue.SetState(ssequeue.Reconnecting)

		if c.cfg.ReconnectPolicy.MaxAttempts > 0 && attempt > c.cfg.ReconnectPolicy.MaxAttempts {
			c.queue.SetState(ssequeue.Closed)
			return
		}

		time.Sleep(delay)

		resp, err := c.openStream(context.Background())
		if err != nil {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		readCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelRead = cancel
		c.mu.Unlock()

		c.queue.SetState(ssequeue.Open)
		go c.readLoop(readCtx, resp)
		if c.cfg.HeartbeatInterval > 0 {
			go c.heartbeatLoop(readCtx)
		}
		return
	}
}

// post submits msg over the side channel as an HTTP POST.
func (c *SSEClient) post(ctx context.Context, msg ssequeue.Message) error {
	req := newRequest(msg.CorrelationID, msg.Method, msg.Params)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build post request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ErrTransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &ErrTransportError{Op: "post", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// Close stops the reader loop and any pending reconnect attempt.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancelRead
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.queue.SetState(ssequeue.Closed)
	c.queue.ResetAll()
	return nil
}

// ListTools requests the tool list over the queue.
func (c *SSEClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	msg, err := c.queue.SendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, translateQueueErr(err)
	}
	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	return payload.Tools, nil
}

// Execute invokes toolName over the queue.
func (c *SSEClient) Execute(ctx context.Context, toolName string, args map[string]interface{}) (*CallResult, error) {
	params, err := json.Marshal(map[string]interface{}{"name": toolName, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}
	msg, err := c.queue.SendRequest(ctx, "tools/call", params)
	if err != nil {
		if msg.Err != nil {
			return &CallResult{IsError: true, Content: json.RawMessage(`"` + msg.Err.Error() + `"`)}, nil
		}
		return nil, translateQueueErr(err)
	}
	return &CallResult{Content: msg.Result}, nil
}

// Ping issues a liveness probe over the queue.
func (c *SSEClient) Ping(ctx context.Context) error {
	_, err := c.queue.SendRequest(ctx, "ping", nil)
	return translateQueueErr(err)
}

// PendingCount reports the number of outstanding SSE tickets.
func (c *SSEClient) PendingCount() int {
	return c.queue.PendingCount()
}

// Initialize echoes clientCapabilities to the upstream over the queue
// and records the capabilities it advertises in return.
func (c *SSEClient) Initialize(ctx context.Context, clientCapabilities map[string]bool) error {
	params, err := json.Marshal(map[string]interface{}{"capabilities": clientCapabilities})
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	msg, err := c.queue.SendRequest(ctx, "initialize", params)
	if err != nil {
		return translateQueueErr(err)
	}
	c.capsMu.Lock()
	c.capabilities = parseCapabilities(msg.Result)
	c.capsMu.Unlock()
	return nil
}

// SupportsCapability reports whether the upstream advertised name during
// Initialize.
func (c *SSEClient) SupportsCapability(name string) bool {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.capabilities[name]
}

// Forward relays method/req over the queue and returns its raw result.
func (c *SSEClient) Forward(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	msg, err := c.queue.SendRequest(ctx, method, req)
	if err != nil {
		return nil, translateQueueErr(err)
	}
	return msg.Result, nil
}

// translateQueueErr passes ssequeue's sentinel errors through unchanged;
// it exists as the single seam callers use so the queue's error set can
// diverge from the transport package's own without a call-site rewrite.
func translateQueueErr(err error) error {
	return err
}
