package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"magictunnel/pkg/logging"
)

// DefaultProcessInitTimeout is a handshake timeout value for child
// processes. Connect returns as soon as the process has been spawned and
// does not apply it; nothing in this package reads it.
const DefaultProcessInitTimeout = 10 * time.Second

// ProcessConfig configures a child process transport.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// ProcessClient speaks line-delimited JSON over a child process's
// stdin/stdout. Dispatch is correlation-id based, matching the SSE
// client's concurrent mode; the OS pipe itself provides backpressure.
type ProcessClient struct {
	name string
	cfg  ProcessConfig

	mu      sync.RWMutex
	cmd     *exec.Cmd
	writeMu sync.Mutex
	stdin   *bufio.Writer
	pending map[string]chan wireResponse
	closed  bool

	capsMu       sync.RWMutex
	capabilities map[string]bool
}

// NewProcessClient creates a ProcessClient for server name using cfg.
func NewProcessClient(name string, cfg ProcessConfig) *ProcessClient {
	return &ProcessClient{
		name:    name,
		cfg:     cfg,
		pending: make(map[string]chan wireResponse),
	}
}

// Connect spawns the child process and starts the stdout reader loop.
func (c *ProcessClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if c.cfg.Cwd != "" {
		cmd.Dir = c.cfg.Cwd
	}
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ErrTransportError{Op: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ErrTransportError{Op: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ErrTransportError{Op: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &ErrTransportError{Op: "start", Err: err}
	}

	c.cmd = cmd
	c.stdin = bufio.NewWriter(stdin)

	go c.drainStderr(stderr)
	go c.readLoop(stdout)
	go c.awaitExit()

	return nil
}

func (c *ProcessClient) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logging.Debug("Transport", "%s stderr: %s", c.name, scanner.Text())
	}
}

func (c *ProcessClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var resp wireResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			logging.Warn("Transport", "%s: unparseable message: %v", c.name, err)
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

// awaitExit observes process exit and fails every outstanding request.
func (c *ProcessClient) awaitExit() {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()

	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan wireResponse)
	c.mu.Unlock()

	if err != nil {
		logging.Warn("Transport", "%s process exited: %v", c.name, err)
	}
	for _, ch := range pending {
		select {
		case ch <- wireResponse{Error: &wireError{Message: "transport reset: process exited"}}:
		default:
		}
	}
}

// Close terminates the child process. Safe to call more than once.
func (c *ProcessClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.closed {
		return nil
	}
	c.closed = true
	if c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

func (c *ProcessClient) call(ctx context.Context, method string, params interface{}) (wireResponse, error) {
	c.mu.RLock()
	if c.cmd == nil || c.closed {
		c.mu.RUnlock()
		return wireResponse{}, ErrNotConnected
	}
	c.mu.RUnlock()

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
	line, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("failed to encode request: %w", err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	_, writeErr := c.stdin.Write(line)
	if writeErr == nil {
		writeErr = c.stdin.Flush()
	}
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

// ListTools requests the tool list from the child process.
func (c *ProcessClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
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

// Execute invokes toolName with args and returns its result.
func (c *ProcessClient) Execute(ctx context.Context, toolName string, args map[string]interface{}) (*CallResult, error) {
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
func (c *ProcessClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Initialize echoes clientCapabilities to the child process and records
// the capabilities it advertises in return.
func (c *ProcessClient) Initialize(ctx context.Context, clientCapabilities map[string]bool) error {
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
func (c *ProcessClient) SupportsCapability(name string) bool {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.capabilities[name]
}

// Forward relays method/req to the child process and returns its raw
// result.
func (c *ProcessClient) Forward(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error) {
	resp, err := c.call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}
