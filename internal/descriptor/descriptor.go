// Package descriptor defines the Upstream Server Descriptor, the unit of
// configuration for one proxied server, and loads a set of them from a
// YAML document whose top-level `servers` map is keyed by server name.
package descriptor

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Transport identifies which arm of a Descriptor is populated.
type Transport string

const (
	TransportProcess     Transport = "process"
	TransportHTTP        Transport = "http"
	TransportSSE         Transport = "sse"
	TransportWebSocket   Transport = "websocket"
	TransportOAuthServer Transport = "oauth"
)

var identifierGrammar = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ProcessConfig configures a server launched as a child process
// communicating over stdio.
type ProcessConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`
}

// RetryPolicy bounds reconnect/retry attempts for networked transports.
type RetryPolicy struct {
	MaxAttempts      int `yaml:"max_attempts,omitempty"`
	InitialDelayMS   int `yaml:"initial_delay_ms,omitempty"`
	MaxDelayMS       int `yaml:"max_delay_ms,omitempty"`
}

// AuthMode names how a networked transport authenticates its requests.
// Exactly one of the accompanying fields on HTTPConfig/SSEConfig/
// WebSocketConfig is meaningful for a given mode.
type AuthMode string

const (
	AuthNone       AuthMode = "none"
	AuthBearer     AuthMode = "bearer"
	AuthAPIKey     AuthMode = "api_key"
	AuthBasic      AuthMode = "basic"
	AuthQueryParam AuthMode = "query_param"
	AuthOAuth      AuthMode = "oauth"
)

// HTTPConfig configures a server reached over plain HTTP request/response.
type HTTPConfig struct {
	BaseURL           string      `yaml:"base_url"`
	Auth              AuthMode    `yaml:"auth"`
	BearerToken       string      `yaml:"bearer_token,omitempty"`
	APIKeyHeader      string      `yaml:"api_key_header,omitempty"`
	APIKeyValue       string      `yaml:"api_key_value,omitempty"`
	BasicUsername     string      `yaml:"basic_username,omitempty"`
	BasicPassword     string      `yaml:"basic_password,omitempty"`
	TimeoutSeconds    int         `yaml:"timeout_seconds,omitempty"`
	Retry             RetryPolicy `yaml:"retry,omitempty"`
	MaxIdleConns      int         `yaml:"max_idle_connections,omitempty"`
	IdleTimeoutSecond int         `yaml:"idle_timeout_seconds,omitempty"`
}

// SSEConfig configures a server reached over a Server-Sent Events stream,
// optionally restricted to a single concurrent session (see
// internal/ssequeue).
type SSEConfig struct {
	BaseURL             string      `yaml:"base_url"`
	Auth                AuthMode    `yaml:"auth"`
	BearerToken         string      `yaml:"bearer_token,omitempty"`
	APIKeyHeader        string      `yaml:"api_key_header,omitempty"`
	APIKeyValue         string      `yaml:"api_key_value,omitempty"`
	QueryParamName      string      `yaml:"query_param_name,omitempty"`
	QueryParamValue     string      `yaml:"query_param_value,omitempty"`
	SingleSession       bool        `yaml:"single_session"`
	ConnectionTimeoutS  int         `yaml:"connection_timeout_seconds,omitempty"`
	RequestTimeoutS     int         `yaml:"request_timeout_seconds,omitempty"`
	MaxQueueSize        int         `yaml:"max_queue_size,omitempty"`
	HeartbeatIntervalS  int         `yaml:"heartbeat_interval_seconds,omitempty"`
	Reconnect           bool        `yaml:"reconnect"`
	ReconnectPolicy     RetryPolicy `yaml:"reconnect_policy,omitempty"`
}

// WebSocketConfig configures a server reached over a persistent
// WebSocket connection.
type WebSocketConfig struct {
	BaseURL            string   `yaml:"base_url"`
	Auth               AuthMode `yaml:"auth"`
	BearerToken        string   `yaml:"bearer_token,omitempty"`
	APIKeyHeader       string   `yaml:"api_key_header,omitempty"`
	APIKeyValue        string   `yaml:"api_key_value,omitempty"`
	PingIntervalS      int      `yaml:"ping_interval_seconds,omitempty"`
	PongTimeoutS       int      `yaml:"pong_timeout_seconds,omitempty"`
	Reconnect          bool     `yaml:"reconnect"`
	MaxReconnectTries  int      `yaml:"max_reconnect_attempts,omitempty"`
}

// OAuthConfig configures a server whose transport requires completing an
// OAuth 2.1 authorization-code flow before use. ConnectionBaseURL is the
// URL the underlying transport (HTTP or SSE) will use once authorized;
// DiscoveryBaseURL is where authorization-server metadata is fetched from
// when it differs from ConnectionBaseURL.
type OAuthConfig struct {
	ConnectionBaseURL    string   `yaml:"connection_base_url"`
	DiscoveryBaseURL     string   `yaml:"discovery_base_url,omitempty"`
	TerminatesLocally    bool     `yaml:"terminates_locally"`
	RedirectURI          string   `yaml:"redirect_uri"`
	StaticClientID       string   `yaml:"static_client_id,omitempty"`
	StaticClientSecret   string   `yaml:"static_client_secret,omitempty"`
	Scopes               []string `yaml:"scopes,omitempty"`
	Resources            []string `yaml:"resources,omitempty"`
	Audience             string   `yaml:"audience,omitempty"`
	ManualAuthEndpoint   string   `yaml:"manual_authorization_endpoint,omitempty"`
	ManualTokenEndpoint  string   `yaml:"manual_token_endpoint,omitempty"`
	ManualRegisterURL    string   `yaml:"manual_registration_endpoint,omitempty"`
}

// Descriptor is the unit of configuration for one proxied server. Exactly
// one of the per-transport fields matching Transport is populated; the
// others are zero values.
type Descriptor struct {
	Name      string          `yaml:"-"`
	Enabled   bool            `yaml:"enabled"`
	Transport Transport       `yaml:"transport"`
	Process   *ProcessConfig  `yaml:"process,omitempty"`
	HTTP      *HTTPConfig     `yaml:"http,omitempty"`
	SSE       *SSEConfig      `yaml:"sse,omitempty"`
	WebSocket *WebSocketConfig `yaml:"websocket,omitempty"`
	OAuth     *OAuthConfig    `yaml:"oauth,omitempty"`
}

// document is the on-disk shape: a `servers` map of server name to
// Descriptor.
type document struct {
	Servers map[string]Descriptor `yaml:"servers"`
}

// Load reads and parses a YAML document of server descriptors from path,
// validates each, and returns them as a slice ordered by name. Disabled
// servers are included; callers that only want active servers filter on
// Enabled themselves.
func Load(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor file %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor file %s: %w", path, err)
	}

	descriptors := make([]Descriptor, 0, len(doc.Servers))
	seen := make(map[string]bool, len(doc.Servers))
	for name, d := range doc.Servers {
		d.Name = name
		if err := Validate(d); err != nil {
			return nil, fmt.Errorf("invalid descriptor %q: %w", name, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate descriptor name %q", name)
		}
		seen[name] = true
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })

	return descriptors, nil
}

// Validate enforces the Descriptor invariants: the name follows the
// identifier grammar, and the transport arm matching d.Transport is
// populated with its required fields.
func Validate(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("descriptor name must not be empty")
	}
	if !identifierGrammar.MatchString(d.Name) {
		return fmt.Errorf("descriptor name %q must be alphanumeric with '-' or '_'", d.Name)
	}

	switch d.Transport {
	case TransportProcess:
		if d.Process == nil || d.Process.Command == "" {
			return fmt.Errorf("process transport requires a command")
		}
	case TransportHTTP:
		if d.HTTP == nil || d.HTTP.BaseURL == "" {
			return fmt.Errorf("http transport requires a base_url")
		}
	case TransportSSE:
		if d.SSE == nil || d.SSE.BaseURL == "" {
			return fmt.Errorf("sse transport requires a base_url")
		}
	case TransportWebSocket:
		if d.WebSocket == nil || d.WebSocket.BaseURL == "" {
			return fmt.Errorf("websocket transport requires a base_url")
		}
	case TransportOAuthServer:
		if d.OAuth == nil || d.OAuth.ConnectionBaseURL == "" {
			return fmt.Errorf("oauth transport requires a connection_base_url")
		}
		if d.OAuth.TerminatesLocally && d.OAuth.RedirectURI == "" {
			return fmt.Errorf("oauth transport terminating locally requires a redirect_uri")
		}
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}

	return nil
}
