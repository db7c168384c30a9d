package authflow

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"magictunnel/internal/descriptor"
	"magictunnel/pkg/logging"
)

// callbackReadHeaderTimeout bounds how long the redirect listener waits
// for a client's request headers, matching the hardening the teacher
// applies to every http.Server it constructs.
const callbackReadHeaderTimeout = 5 * time.Second

// CallbackServer hosts the redirect URI for a server-terminated
// Authorization Flow (OAuthConfig.TerminatesLocally == true): MagicTunnel
// itself is the party visiting the authorization URL and receiving the
// redirect, so it must have something listening on that URI to catch
// the authorization_code and state query parameters.
//
// One CallbackServer is shared across every locally-terminated server;
// each redirect URI registers its own path on the same mux.
type CallbackServer struct {
	flow   *Flow
	mux    *http.ServeMux
	server *http.Server
}

// NewCallbackServer creates a CallbackServer bound to addr (host:port),
// forwarding completed callbacks to flow.HandleCallback.
func NewCallbackServer(flow *Flow, addr string) *CallbackServer {
	mux := http.NewServeMux()
	return &CallbackServer{
		flow: flow,
		mux:  mux,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: callbackReadHeaderTimeout,
		},
	}
}

// RegisterHandler exposes the configured cfg.RedirectURI's path on this
// server's mux, completing a pending Authorization Session against cfg
// whenever the authorization server redirects a user-agent back to it.
// resultCh, if non-nil, receives one CallbackResult per completed or
// failed callback.
func (cs *CallbackServer) RegisterHandler(cfg OAuthCallbackConfig, resultCh chan<- CallbackResult) error {
	u, err := url.Parse(cfg.OAuthConfig.RedirectURI)
	if err != nil {
		return err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	cs.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errParam := query.Get("error"); errParam != "" {
			cs.finish(w, resultCh, CallbackResult{ServerName: cfg.ServerName, Err: errors.New("authflow: authorization server returned error: " + errParam)})
			return
		}

		state := query.Get("state")
		code := query.Get("code")
		if state == "" || code == "" {
			cs.finish(w, resultCh, CallbackResult{ServerName: cfg.ServerName, Err: errors.New("authflow: callback missing state or code")})
			return
		}

		serverName, err := cs.flow.HandleCallback(r.Context(), cfg.OAuthConfig, state, code)
		cs.finish(w, resultCh, CallbackResult{ServerName: serverName, Err: err})
	})

	return nil
}

func (cs *CallbackServer) finish(w http.ResponseWriter, resultCh chan<- CallbackResult, result CallbackResult) {
	if result.Err != nil {
		logging.Warn("AuthFlow", "authorization callback for %s failed: %v", result.ServerName, result.Err)
		http.Error(w, "authorization failed", http.StatusBadRequest)
	} else {
		logging.Audit(logging.AuditEvent{Action: "oauth_callback", Outcome: "success", Target: result.ServerName})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("authorization complete, you may close this window"))
	}

	if resultCh != nil {
		select {
		case resultCh <- result:
		default:
		}
	}
}

// Start begins serving in the background. Call Shutdown to stop it.
func (cs *CallbackServer) Start() error {
	ln, err := net.Listen("tcp", cs.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := cs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("AuthFlow", err, "callback server stopped unexpectedly")
		}
	}()
	return nil
}

// Shutdown gracefully stops the callback server.
func (cs *CallbackServer) Shutdown(ctx context.Context) error {
	return cs.server.Shutdown(ctx)
}

// OAuthCallbackConfig pairs a server's descriptor-level OAuth
// configuration with the server name it belongs to, since the callback
// handler needs the name for logging and audit even before
// HandleCallback resolves it from the Authorization Session.
type OAuthCallbackConfig struct {
	ServerName  string
	OAuthConfig *descriptor.OAuthConfig
}

// CallbackResult reports the outcome of one authorization callback.
type CallbackResult struct {
	ServerName string
	Err        error
}
