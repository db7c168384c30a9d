// Package manager implements the Server Manager: it owns one transport
// client per configured upstream server, drives each through its status
// lifecycle, dispatches tool calls, and maintains the conflict-resolved
// tool catalog the client-facing protocol reads from.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"magictunnel/internal/authflow"
	"magictunnel/internal/capfile"
	"magictunnel/internal/catalog"
	"magictunnel/internal/descriptor"
	"magictunnel/internal/status"
	"magictunnel/internal/transport"
	"magictunnel/pkg/logging"
	"magictunnel/pkg/oauth"
)

// Ambient retry/backoff constants, grounded on
// internal/services/mcpserver/service.go's constants, carried forward
// unchanged in spirit.
const (
	DefaultRemoteTimeout = 30 * time.Second
	UnreachableThreshold = 3
	InitialBackoff       = 30 * time.Second
	MaxBackoff           = 30 * time.Minute
	BackoffMultiplier    = 2.0
	RestartGracePeriod   = 200 * time.Millisecond
)

// ClientCapabilities is the set of client-facing-protocol capabilities
// forwarded to upstreams during their initialization handshake.
type ClientCapabilities struct {
	Sampling    bool
	Elicitation bool
}

// ServerSnapshot is a point-in-time view of one server's observable
// state, returned by Manager.Snapshot.
type ServerSnapshot struct {
	Name      string
	Transport descriptor.Transport
	State     status.State
	UpdatedAt time.Time
	AuthURL   string
	Reason    string
	ToolCount int
}

// serverEntry is everything the Manager tracks for one configured
// server.
type serverEntry struct {
	desc    descriptor.Descriptor
	tracker *status.Tracker

	mu                  sync.RWMutex
	client              transport.Client
	tools               []transport.ToolDescriptor
	consecutiveFailures int
	nextRetryAfter      time.Time
}

// Manager owns the lifecycle and dispatch for every configured upstream
// server.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverEntry
	order    []string
	catalog  *catalog.Catalog
	strategy catalog.Strategy
	flow     *authflow.Flow
	capDir   string
	metrics  *metrics

	capsMu             sync.RWMutex
	clientCapabilities ClientCapabilities
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithConflictStrategy overrides the default catalog.LocalFirst
// conflict-resolution strategy.
func WithConflictStrategy(s catalog.Strategy) Option {
	return func(m *Manager) { m.strategy = s }
}

// WithCapabilityDir sets the directory capability files are written to.
// Empty (the default) disables capability-file persistence.
func WithCapabilityDir(dir string) Option {
	return func(m *Manager) { m.capDir = dir }
}

// WithAuthFlow overrides the default freshly constructed authflow.Flow,
// e.g. to share one across process restarts or point it at specific
// token/client-record directories.
func WithAuthFlow(f *authflow.Flow) Option {
	return func(m *Manager) { m.flow = f }
}

// New creates a Manager for descriptors. Descriptors are validated by
// internal/descriptor.Load before reaching here; New trusts them.
func New(descriptors []descriptor.Descriptor, opts ...Option) *Manager {
	m := &Manager{
		servers:  make(map[string]*serverEntry, len(descriptors)),
		catalog:  catalog.New(),
		strategy: catalog.LocalFirst,
		flow:     authflow.New("", ""),
		metrics:  newMetrics(),
	}

	for _, d := range descriptors {
		m.servers[d.Name] = &serverEntry{desc: d, tracker: status.NewTracker(d.Name)}
		m.order = append(m.order, d.Name)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Metrics returns the Manager's Prometheus registry. Scraping it (the
// HTTP /metrics listener) is an external collaborator's responsibility.
func (m *Manager) Metrics() *prometheus.Registry {
	return m.metrics.registry
}

// retryFailedInterval bounds how often RunRetryLoop re-examines
// ConnectionFailed servers, mirroring internal/aggregator/manager.go's
// retryFailedRegistrations ticker.
const retryFailedInterval = 5 * time.Second

// RunRetryLoop periodically re-attempts ConnectionFailed servers whose
// exponential backoff window (recordFailure's nextRetryAfter) has
// elapsed. It blocks until ctx is canceled.
func (m *Manager) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(retryFailedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryEligibleServers(ctx)
		}
	}
}

func (m *Manager) retryEligibleServers(ctx context.Context) {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	now := time.Now()
	for _, name := range names {
		entry := m.servers[name]
		if !entry.desc.Enabled || entry.tracker.Get().State != status.ConnectionFailed {
			continue
		}

		entry.mu.RLock()
		due := entry.nextRetryAfter.IsZero() || !entry.nextRetryAfter.After(now)
		entry.mu.RUnlock()
		if !due {
			continue
		}

		entry.tracker.Transition(status.Starting, "", "")
		if err := m.startServer(ctx, entry); err != nil {
			logging.Warn("Manager", "retry failed for %s: %v", name, err)
		}
	}
}

// SetClientCapabilitiesContext stores capabilities to be echoed to
// upstreams during their initialization handshake.
func (m *Manager) SetClientCapabilitiesContext(caps ClientCapabilities) {
	m.capsMu.Lock()
	m.clientCapabilities = caps
	m.capsMu.Unlock()
}

// Start brings up every enabled server. Partial success is acceptable:
// a server that fails to connect moves to ConnectionFailed or
// OAuthFailed and Start continues with the rest, aggregating failures
// into a single joined error via go.uber.org/multierr. Start never
// aborts the process on a single server's failure.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs error
	for _, name := range names {
		entry := m.servers[name]
		if !entry.desc.Enabled {
			continue
		}
		if err := m.startServer(ctx, entry); err != nil {
			logging.Warn("Manager", "server %s failed to start: %v", name, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}

func (m *Manager) startServer(ctx context.Context, entry *serverEntry) error {
	entry.tracker.Transition(status.Starting, "", "")

	if entry.desc.Transport == descriptor.TransportOAuthServer {
		return m.startOAuthServer(ctx, entry)
	}

	client, err := m.buildClient(entry.desc)
	if err != nil {
		entry.tracker.Transition(status.ConnectionFailed, "", err.Error())
		return err
	}

	initCtx, cancel := m.initContext(ctx, entry.desc)
	defer cancel()

	if err := client.Connect(initCtx); err != nil {
		m.recordFailure(entry, err)
		return err
	}

	m.onConnected(ctx, entry, client)
	return nil
}

// serverTerminatedCallbackTimeout bounds how long Start() blocks waiting
// for a server-terminated callback before giving up and marking the
// server OAuthFailed. Only server-terminated servers may reach an actual
// connect during Start(); client-terminated servers always leave Start()
// in OAuthPending.
const serverTerminatedCallbackTimeout = 5 * time.Minute

func (m *Manager) startOAuthServer(ctx context.Context, entry *serverEntry) error {
	cfg := entry.desc.OAuth
	if cfg == nil {
		err := fmt.Errorf("%w: missing oauth configuration", ErrConfigurationError)
		entry.tracker.Transition(status.ConnectionFailed, "", err.Error())
		return err
	}

	if token := m.flow.Tokens.Get(entry.desc.Name); token != nil {
		if cfg.TerminatesLocally {
			return m.connectOAuthTransport(ctx, entry, cfg, token, status.ConnectionFailed)
		}
		// Client-terminated servers never connect during Start(), even
		// with a cached token: the spec reserves the Start()-time connect
		// for the server-terminated mode only.
	}

	if !cfg.TerminatesLocally {
		authURL, err := m.flow.BeginAuthorization(ctx, entry.desc.Name, cfg)
		if err != nil {
			entry.tracker.Transition(status.OAuthFailed, "", err.Error())
			return err
		}
		entry.tracker.Transition(status.OAuthPending, authURL, "")
		return nil
	}

	return m.runServerTerminatedAuthorization(ctx, entry, cfg)
}

// runServerTerminatedAuthorization drives the complete server-terminated
// flow synchronously: it mints an authorization URL, hosts the redirect
// URI on a throwaway CallbackServer, waits for the resulting callback (or
// serverTerminatedCallbackTimeout), and connects once a token is
// available.
func (m *Manager) runServerTerminatedAuthorization(ctx context.Context, entry *serverEntry, cfg *descriptor.OAuthConfig) error {
	addr, err := redirectListenAddr(cfg.RedirectURI)
	if err != nil {
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}

	authURL, err := m.flow.BeginAuthorization(ctx, entry.desc.Name, cfg)
	if err != nil {
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}

	cs := authflow.NewCallbackServer(m.flow, addr)
	resultCh := make(chan authflow.CallbackResult, 1)
	if err := cs.RegisterHandler(authflow.OAuthCallbackConfig{ServerName: entry.desc.Name, OAuthConfig: cfg}, resultCh); err != nil {
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}
	if err := cs.Start(); err != nil {
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cs.Shutdown(shutdownCtx)
	}()

	entry.tracker.Transition(status.OAuthPending, authURL, "")
	logging.Info("Manager", "waiting for local authorization callback for %s: %s", entry.desc.Name, authURL)

	select {
	case result := <-resultCh:
		if result.Err != nil {
			entry.tracker.Transition(status.OAuthFailed, "", result.Err.Error())
			return result.Err
		}
	case <-time.After(serverTerminatedCallbackTimeout):
		err := fmt.Errorf("%w: timed out waiting for authorization callback", ErrConfigurationError)
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	entry.tracker.Transition(status.OAuthInProgress, "", "")

	token := m.flow.Tokens.Get(entry.desc.Name)
	if token == nil {
		err := fmt.Errorf("%w: token missing immediately after exchange", ErrConfigurationError)
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}

	return m.connectOAuthTransport(ctx, entry, cfg, token, status.OAuthFailed)
}

// redirectListenAddr extracts the host:port a CallbackServer must bind
// to so it can catch redirects to redirectURI.
func redirectListenAddr(redirectURI string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect_uri: %v", ErrConfigurationError, err)
	}
	host := u.Host
	if host == "" {
		return "", fmt.Errorf("%w: redirect_uri %q has no host to bind", ErrConfigurationError, redirectURI)
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host, nil
}

// CompleteOAuthCallback finishes an Authorization Flow for whichever
// server the pending Authorization Session matching state belongs to,
// then attempts the transport connect. It is the entry point for a
// client-terminated external caller handing over a callback out of band;
// the server-terminated path (runServerTerminatedAuthorization) receives
// its callback through its own CallbackServer and does not go through
// here.
func (m *Manager) CompleteOAuthCallback(ctx context.Context, state, code string) error {
	sess, ok := m.flow.Sessions.Peek(state)
	if !ok {
		return ErrUnknownServer
	}

	m.mu.RLock()
	entry, ok := m.servers[sess.ServerName]
	m.mu.RUnlock()
	if !ok || entry.desc.OAuth == nil {
		return ErrUnknownServer
	}
	cfg := entry.desc.OAuth

	serverName, err := m.flow.HandleCallback(ctx, cfg, state, code)
	if err != nil {
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}
	if serverName != sess.ServerName {
		return fmt.Errorf("%w: callback resolved to unexpected server %q", ErrConfigurationError, serverName)
	}

	entry.tracker.Transition(status.OAuthInProgress, "", "")

	token := m.flow.Tokens.Get(serverName)
	if token == nil {
		err := fmt.Errorf("%w: token missing immediately after exchange", ErrConfigurationError)
		entry.tracker.Transition(status.OAuthFailed, "", err.Error())
		return err
	}

	return m.connectOAuthTransport(ctx, entry, cfg, token, status.OAuthFailed)
}

// connectOAuthTransport cycles transport kinds to reach an already
// authorized server. failureState is the tracker state a connect
// failure transitions to, which differs depending on whether the
// caller reached here from Starting (a fresh process start with a
// cached token) or from OAuthInProgress (just finished a callback
// exchange) — the status state machine does not allow ConnectionFailed
// directly from OAuthInProgress.
func (m *Manager) connectOAuthTransport(ctx context.Context, entry *serverEntry, cfg *descriptor.OAuthConfig, token *oauth.Token, failureState status.State) error {
	client, kind, err := transport.CycleConnect(ctx, transport.DefaultCycleOrder, func(kind transport.TransportKind) (transport.Client, error) {
		return m.buildOAuthClient(entry.desc.Name, cfg, kind, token.AccessToken)
	})
	if err != nil {
		entry.tracker.Transition(failureState, "", err.Error())
		return err
	}

	wrapped := &transport.OAuthClient{Client: client, Kind: kind}
	m.onConnected(ctx, entry, wrapped)
	return nil
}

// buildClient constructs the transport.Client for a non-OAuth
// descriptor's configured transport arm.
func (m *Manager) buildClient(d descriptor.Descriptor) (transport.Client, error) {
	switch d.Transport {
	case descriptor.TransportProcess:
		cfg := d.Process
		if cfg == nil {
			return nil, fmt.Errorf("%w: process transport missing config", ErrConfigurationError)
		}
		return transport.NewProcessClient(d.Name, transport.ProcessConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Cwd:     cfg.Cwd,
		}), nil
	case descriptor.TransportHTTP:
		cfg := d.HTTP
		if cfg == nil {
			return nil, fmt.Errorf("%w: http transport missing config", ErrConfigurationError)
		}
		return transport.NewHTTPClient(transport.HTTPConfig{
			BaseURL:       cfg.BaseURL,
			Auth:          transport.HTTPAuthMode(cfg.Auth),
			BearerToken:   cfg.BearerToken,
			APIKeyHeader:  cfg.APIKeyHeader,
			APIKeyValue:   cfg.APIKeyValue,
			BasicUsername: cfg.BasicUsername,
			BasicPassword: cfg.BasicPassword,
			Timeout:       secondsOr(cfg.TimeoutSeconds, DefaultRemoteTimeout),
			RetryAttempts: cfg.Retry.MaxAttempts,
			RetryDelay:    millisOr(cfg.Retry.InitialDelayMS, time.Second),
		}), nil
	case descriptor.TransportSSE:
		cfg := d.SSE
		if cfg == nil {
			return nil, fmt.Errorf("%w: sse transport missing config", ErrConfigurationError)
		}
		return transport.NewSSEClient(d.Name, transport.SSEConfig{
			BaseURL:           cfg.BaseURL,
			Auth:              transport.HTTPAuthMode(cfg.Auth),
			BearerToken:       cfg.BearerToken,
			APIKeyHeader:      cfg.APIKeyHeader,
			APIKeyValue:       cfg.APIKeyValue,
			QueryParamName:    cfg.QueryParamName,
			QueryParamValue:   cfg.QueryParamValue,
			SingleSession:     cfg.SingleSession,
			MaxQueueSize:      cfg.MaxQueueSize,
			RequestTimeout:    secondsOr(cfg.RequestTimeoutS, DefaultRemoteTimeout),
			HeartbeatInterval: secondsOr(cfg.HeartbeatIntervalS, 30*time.Second),
			Reconnect:         cfg.Reconnect,
			ReconnectPolicy: transport.SSEReconnectPolicy{
				InitialDelay: millisOr(cfg.ReconnectPolicy.InitialDelayMS, time.Second),
				MaxDelay:     millisOr(cfg.ReconnectPolicy.MaxDelayMS, 30*time.Second),
				MaxAttempts:  cfg.ReconnectPolicy.MaxAttempts,
			},
		}), nil
	case descriptor.TransportWebSocket:
		cfg := d.WebSocket
		if cfg == nil {
			return nil, fmt.Errorf("%w: websocket transport missing config", ErrConfigurationError)
		}
		return transport.NewWebSocketClient(d.Name, transport.WebSocketConfig{
			BaseURL:           cfg.BaseURL,
			Auth:              transport.HTTPAuthMode(cfg.Auth),
			BearerToken:       cfg.BearerToken,
			APIKeyHeader:      cfg.APIKeyHeader,
			APIKeyValue:       cfg.APIKeyValue,
			PingInterval:      secondsOr(cfg.PingIntervalS, 30*time.Second),
			PongTimeout:       secondsOr(cfg.PongTimeoutS, 10*time.Second),
			Reconnect:         cfg.Reconnect,
			MaxReconnectTries: cfg.MaxReconnectTries,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrConfigurationError, d.Transport)
	}
}

// buildOAuthClient constructs the transport.Client for one candidate
// kind during transport cycling of an OAuth-terminated endpoint, using
// cfg.ConnectionBaseURL as the base URL and accessToken as the initial
// bearer token.
func (m *Manager) buildOAuthClient(name string, cfg *descriptor.OAuthConfig, kind transport.TransportKind, accessToken string) (transport.Client, error) {
	switch kind {
	case transport.KindStreamableHTTP, transport.KindHTTP:
		return transport.NewHTTPClient(transport.HTTPConfig{
			BaseURL:       cfg.ConnectionBaseURL,
			Auth:          transport.HTTPAuthBearer,
			BearerToken:   accessToken,
			Timeout:       DefaultRemoteTimeout,
			RetryAttempts: 1,
		}), nil
	case transport.KindSSE:
		return transport.NewSSEClient(name, transport.SSEConfig{
			BaseURL:        cfg.ConnectionBaseURL,
			Auth:           transport.HTTPAuthBearer,
			BearerToken:    accessToken,
			MaxQueueSize:   64,
			RequestTimeout: DefaultRemoteTimeout,
		}), nil
	case transport.KindWebSocket:
		return transport.NewWebSocketClient(name, transport.WebSocketConfig{
			BaseURL:     cfg.ConnectionBaseURL,
			Auth:        transport.HTTPAuthBearer,
			BearerToken: accessToken,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrConfigurationError, kind)
	}
}

func (m *Manager) initContext(ctx context.Context, d descriptor.Descriptor) (context.Context, context.CancelFunc) {
	timeout := DefaultRemoteTimeout
	switch d.Transport {
	case descriptor.TransportHTTP:
		if d.HTTP != nil && d.HTTP.TimeoutSeconds > 0 {
			timeout = time.Duration(d.HTTP.TimeoutSeconds) * time.Second
		}
	case descriptor.TransportSSE:
		if d.SSE != nil && d.SSE.ConnectionTimeoutS > 0 {
			timeout = time.Duration(d.SSE.ConnectionTimeoutS) * time.Second
		}
	}
	return context.WithTimeout(ctx, timeout)
}

// onConnected finalizes a successful connect: discovers tools, updates
// the catalog, persists the capability file, resets failure tracking,
// and transitions the tracker to Connected.
func (m *Manager) onConnected(ctx context.Context, entry *serverEntry, client transport.Client) {
	entry.mu.Lock()
	entry.client = client
	entry.consecutiveFailures = 0
	entry.nextRetryAfter = time.Time{}
	entry.mu.Unlock()

	entry.tracker.Transition(status.Connected, "", "")
	m.metrics.recordConnectionState(entry.desc.Name, int(status.Connected))

	m.capsMu.RLock()
	echoedCaps := map[string]bool{
		transport.CapabilitySampling:    m.clientCapabilities.Sampling,
		transport.CapabilityElicitation: m.clientCapabilities.Elicitation,
	}
	m.capsMu.RUnlock()
	if err := client.Initialize(ctx, echoedCaps); err != nil {
		logging.Warn("Manager", "capability handshake failed for %s: %v", entry.desc.Name, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		logging.Warn("Manager", "initial tool discovery failed for %s: %v", entry.desc.Name, err)
		return
	}
	m.publishTools(entry, tools)
}

// publishTools sanitizes and conflict-resolves a server's tool list,
// updates the catalog, and writes its capability file.
func (m *Manager) publishTools(entry *serverEntry, tools []transport.ToolDescriptor) {
	entry.mu.Lock()
	entry.tools = tools
	entry.mu.Unlock()

	entries := make([]catalog.Entry, len(tools))
	for i, t := range tools {
		entries[i] = catalog.Entry{Server: entry.desc.Name, OriginalName: t.Name}
	}

	bindings, err := catalog.Resolve(entries, m.strategy)
	if err != nil {
		logging.Warn("Manager", "catalog publish refused for %s: %v", entry.desc.Name, err)
		return
	}
	m.catalog.UpdateServer(entry.desc.Name, bindings)

	if m.capDir == "" {
		return
	}
	if err := capfile.Write(m.capDir, entry.desc.Name, tools); err != nil {
		logging.Warn("Manager", "failed to write capability file for %s: %v", entry.desc.Name, err)
	}
}

// recordFailure classifies a connect error, applies exponential backoff
// bookkeeping, and transitions the tracker to ConnectionFailed. It
// mirrors internal/services/mcpserver/service.go's failure-tracking
// logic.
func (m *Manager) recordFailure(entry *serverEntry, err error) {
	entry.mu.Lock()
	if isTransientConnectivityError(err) {
		entry.consecutiveFailures++
		entry.nextRetryAfter = time.Now().Add(backoffFor(entry.consecutiveFailures))
	}
	entry.mu.Unlock()

	entry.tracker.Transition(status.ConnectionFailed, "", err.Error())
	m.metrics.recordConnectionState(entry.desc.Name, int(status.ConnectionFailed))
}

func backoffFor(failures int) time.Duration {
	backoff := InitialBackoff
	for i := 1; i < failures; i++ {
		backoff = time.Duration(float64(backoff) * BackoffMultiplier)
		if backoff > MaxBackoff {
			return MaxBackoff
		}
	}
	return backoff
}

// isTransientConnectivityError reports whether err is connectivity-class
// rather than a configuration problem, mirroring
// internal/services/mcpserver/service.go's isTransientConnectivityError.
func isTransientConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"connection refused", "connection reset", "connection timed out",
		"no such host", "network is unreachable", "no route to host",
		"dial tcp", "i/o timeout", "eof", "connection closed",
		"context deadline exceeded",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			*target = opErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func millisOr(millis int, fallback time.Duration) time.Duration {
	if millis <= 0 {
		return fallback
	}
	return time.Duration(millis) * time.Millisecond
}

// pendingCount reports the outstanding SSE request queue depth for
// client, unwrapping an *transport.OAuthClient first if needed. Returns
// ok=false for any client not backed by the SSE request queue
// (single-session or concurrent).
func pendingCount(client transport.Client) (int, bool) {
	if oc, ok := client.(*transport.OAuthClient); ok {
		client = oc.Client
	}
	depther, ok := client.(interface{ PendingCount() int })
	if !ok {
		return 0, false
	}
	return depther.PendingCount(), true
}

// Execute dispatches one tool call to serverName's connected client.
func (m *Manager) Execute(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*transport.CallResult, error) {
	m.mu.RLock()
	entry, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownServer
	}

	entry.mu.RLock()
	client := entry.client
	entry.mu.RUnlock()
	if client == nil || !entry.tracker.IsConnected() {
		m.metrics.recordInvocation(serverName, "not_connected")
		return nil, ErrNotConnected
	}

	result, err := client.Execute(ctx, toolName, args)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case result != nil && result.IsError:
		outcome = "tool_error"
	}
	m.metrics.recordInvocation(serverName, outcome)

	if depth, ok := pendingCount(client); ok {
		m.metrics.recordQueueDepth(serverName, depth)
	}

	return result, err
}

// ExposedTool is one entry of the conflict-resolved tool catalog,
// carrying enough of the original descriptor for the client-facing
// protocol to advertise it.
type ExposedTool struct {
	Name         string
	Server       string
	OriginalName string
	Title        string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// GetAllTools returns every currently published tool across all
// connected servers, under its conflict-resolved exposed name, sorted
// for deterministic output.
func (m *Manager) GetAllTools() []ExposedTool {
	bindings := m.catalog.All()

	m.mu.RLock()
	servers := make(map[string]*serverEntry, len(m.servers))
	for name, e := range m.servers {
		servers[name] = e
	}
	m.mu.RUnlock()

	var out []ExposedTool
	for server, bs := range bindings {
		entry, ok := servers[server]
		if !ok {
			continue
		}
		entry.mu.RLock()
		byOriginal := make(map[string]transport.ToolDescriptor, len(entry.tools))
		for _, t := range entry.tools {
			byOriginal[t.Name] = t
		}
		entry.mu.RUnlock()

		for _, b := range bs {
			td := byOriginal[b.OriginalName]
			out = append(out, ExposedTool{
				Name:         b.ExposedName,
				Server:       b.Server,
				OriginalName: b.OriginalName,
				Title:        td.Title,
				Description:  td.Description,
				InputSchema:  td.InputSchema,
				OutputSchema: td.OutputSchema,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetActiveServers returns the names of every server currently in the
// Connected state, sorted.
func (m *Manager) GetActiveServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, entry := range m.servers {
		if entry.tracker.IsConnected() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetHealthStatus returns the derived health of every configured
// server, keyed by name. It reads the status already maintained by each
// Tracker rather than probing upstreams fresh.
func (m *Manager) GetHealthStatus() map[string]status.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]status.Health, len(m.servers))
	for name, entry := range m.servers {
		out[name] = entry.tracker.DeriveHealth()
	}
	return out
}

// Snapshot returns a point-in-time view of every configured server's
// observable status, for diagnostics and the client-facing protocol's
// server-list surface.
func (m *Manager) Snapshot() []ServerSnapshot {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	out := make([]ServerSnapshot, 0, len(names))
	for _, name := range names {
		entry := m.servers[name]
		record := entry.tracker.Get()
		entry.mu.RLock()
		toolCount := len(entry.tools)
		entry.mu.RUnlock()

		out = append(out, ServerSnapshot{
			Name:      name,
			Transport: entry.desc.Transport,
			State:     record.State,
			UpdatedAt: record.UpdatedAt,
			AuthURL:   record.AuthURL,
			Reason:    record.Reason,
			ToolCount: toolCount,
		})
	}
	return out
}

// StopServer closes serverName's connection, removes its tools from the
// catalog, and transitions it to Disconnected. Idempotent: stopping an
// already-stopped server is a no-op returning nil. In-flight requests on
// a transport with a single-session queue fail with
// ssequeue.ErrTransportReset as the client tears down.
func (m *Manager) StopServer(serverName string) error {
	m.mu.RLock()
	entry, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownServer
	}

	entry.mu.Lock()
	client := entry.client
	entry.client = nil
	entry.tools = nil
	entry.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			logging.Warn("Manager", "error closing %s on stop: %v", serverName, err)
		}
	}

	m.catalog.RemoveServer(serverName)
	entry.tracker.Transition(status.Disconnected, "", "")
	m.metrics.recordConnectionState(serverName, int(status.Disconnected))
	return nil
}

// RestartServer stops serverName, waits RestartGracePeriod, and starts
// it fresh, mirroring internal/services/mcpserver/service.go's Restart.
func (m *Manager) RestartServer(ctx context.Context, serverName string) error {
	m.mu.RLock()
	entry, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownServer
	}

	if err := m.StopServer(serverName); err != nil {
		return err
	}

	select {
	case <-time.After(RestartGracePeriod):
	case <-ctx.Done():
		return ctx.Err()
	}

	entry.tracker.Transition(status.Starting, "", "")
	return m.startServer(ctx, entry)
}

// StopAll stops every configured server, aggregating any errors via
// multierr rather than aborting partway through.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs error
	for _, name := range names {
		if err := m.StopServer(name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	m.flow.Stop()
	return errs
}

// ForwardSamplingRequest routes req to server's upstream client via the
// MCP "sampling/createMessage" method, failing with
// ErrCapabilityUnsupported if that upstream never advertised sampling
// support during its Initialize handshake.
func (m *Manager) ForwardSamplingRequest(ctx context.Context, server string, req json.RawMessage) (json.RawMessage, error) {
	return m.forwardCapabilityRequest(ctx, server, transport.CapabilitySampling, "sampling/createMessage", req)
}

// ForwardElicitationRequest routes req to server's upstream client via
// the MCP "elicitation/create" method, failing with
// ErrCapabilityUnsupported if that upstream never advertised elicitation
// support during its Initialize handshake.
func (m *Manager) ForwardElicitationRequest(ctx context.Context, server string, req json.RawMessage) (json.RawMessage, error) {
	return m.forwardCapabilityRequest(ctx, server, transport.CapabilityElicitation, "elicitation/create", req)
}

func (m *Manager) forwardCapabilityRequest(ctx context.Context, server, capability, method string, req json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	entry, ok := m.servers[server]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownServer
	}

	entry.mu.RLock()
	client := entry.client
	entry.mu.RUnlock()
	if client == nil || !entry.tracker.IsConnected() {
		return nil, ErrNotConnected
	}
	if !client.SupportsCapability(capability) {
		return nil, ErrCapabilityUnsupported
	}
	return client.Forward(ctx, method, req)
}
