// Package authflow obtains, refreshes, and supplies a valid access token
// for any upstream whose connection endpoint requires user authorization:
// OAuth 2.1 authorization-server metadata discovery, optional dynamic
// client registration (RFC 7591), PKCE-protected authorization-code
// exchange, and coalesced token refresh.
package authflow

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"magictunnel/internal/descriptor"
	"magictunnel/pkg/logging"
	"magictunnel/pkg/oauth"
)

// Flow coordinates the authorization-code grant for every upstream
// server that requires it. One Flow is shared across all servers; its
// stores are keyed by server name.
type Flow struct {
	oauthClient *oauth.Client
	Sessions    *SessionStore
	Tokens      *TokenStore
	Clients     *ClientStore

	refreshGroup singleflight.Group
}

// New creates a Flow. tokenDir and clientDir configure on-disk
// persistence for the token and client-record stores; either may be
// empty to keep that store in-memory only.
func New(tokenDir, clientDir string) *Flow {
	return &Flow{
		oauthClient: oauth.NewClient(),
		Sessions:    NewSessionStore(),
		Tokens:      NewTokenStore(tokenDir),
		Clients:     NewClientStore(clientDir),
	}
}

// Stop releases the Flow's background goroutines.
func (f *Flow) Stop() {
	f.Sessions.Stop()
}

// resolveMetadata discovers authorization-server metadata from cfg's
// discovery base URL, merging in manual fallback fields from cfg per
// SPEC_FULL.md's merge rule: discovery takes precedence, missing
// discovered fields are backfilled from manual metadata.
func (f *Flow) resolveMetadata(ctx context.Context, cfg *descriptor.OAuthConfig) (*oauth.Metadata, error) {
	manual := &oauth.Metadata{
		AuthorizationEndpoint: cfg.ManualAuthEndpoint,
		TokenEndpoint:         cfg.ManualTokenEndpoint,
		RegistrationEndpoint:  cfg.ManualRegisterURL,
	}

	discoveryBase := cfg.DiscoveryBaseURL
	if discoveryBase == "" {
		discoveryBase = oauth.NormalizeServerURL(cfg.ConnectionBaseURL)
	}

	discovered, err := f.oauthClient.DiscoverMetadata(ctx, discoveryBase)
	if err != nil {
		if manual.AuthorizationEndpoint == "" || manual.TokenEndpoint == "" {
			logging.Warn("AuthFlow", "metadata discovery failed for %s and no usable manual metadata: %v", discoveryBase, err)
			return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
		}
		logging.Debug("AuthFlow", "metadata discovery failed for %s, proceeding with manual metadata", discoveryBase)
		return manual, nil
	}

	return mergeMetadata(discovered, manual), nil
}

// mergeMetadata fills zero-valued fields of discovered from manual,
// preferring discovered values whenever both are set.
func mergeMetadata(discovered, manual *oauth.Metadata) *oauth.Metadata {
	merged := *discovered
	if merged.AuthorizationEndpoint == "" {
		merged.AuthorizationEndpoint = manual.AuthorizationEndpoint
	}
	if merged.TokenEndpoint == "" {
		merged.TokenEndpoint = manual.TokenEndpoint
	}
	if merged.RegistrationEndpoint == "" {
		merged.RegistrationEndpoint = manual.RegistrationEndpoint
	}
	return &merged
}

// ensureClient returns the client credentials to use for serverName:
// a previously registered client, a freshly dynamically registered one
// (if the metadata offers a registration endpoint), or cfg's static
// credentials. Fails with ErrCredentialsMissing if none are available.
func (f *Flow) ensureClient(ctx context.Context, serverName string, cfg *descriptor.OAuthConfig, metadata *oauth.Metadata) (clientID, clientSecret string, err error) {
	if existing := f.Clients.Get(serverName); existing != nil {
		return existing.ClientID, existing.ClientSecret, nil
	}

	if metadata.RegistrationEndpoint != "" {
		redirectURIs := []string{cfg.RedirectURI}
		scope := strings.Join(cfg.Scopes, " ")
		req := oauth.ClientMetadata{
			ClientName:    clientNameFor(serverName, cfg.ConnectionBaseURL),
			RedirectURIs:  redirectURIs,
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			ResponseTypes: []string{"code"},
			Scope:         scope,
		}
		registered, regErr := f.oauthClient.RegisterClient(ctx, metadata.RegistrationEndpoint, req)
		if regErr != nil {
			logging.Audit(logging.AuditEvent{Action: "oauth_registration", Outcome: "failure", Target: serverName, Error: regErr.Error()})
			if cfg.StaticClientID != "" {
				return cfg.StaticClientID, cfg.StaticClientSecret, nil
			}
			return "", "", fmt.Errorf("%w: %v", ErrRegistrationFailed, regErr)
		}
		f.Clients.Store(serverName, registered)
		logging.Audit(logging.AuditEvent{Action: "oauth_registration", Outcome: "success", Target: serverName})
		return registered.ClientID, registered.ClientSecret, nil
	}

	if cfg.StaticClientID != "" {
		return cfg.StaticClientID, cfg.StaticClientSecret, nil
	}

	return "", "", ErrCredentialsMissing
}

// clientNameFor produces a deterministic client_name for dynamic
// registration, templated with the server name and connection host.
func clientNameFor(serverName, connectionBaseURL string) string {
	host := connectionBaseURL
	if u, err := url.Parse(connectionBaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("magictunnel-%s (%s)", serverName, host)
}

// BeginAuthorization discovers metadata, ensures a registered or static
// client, mints a PKCE-protected authorization URL, and stores the
// matching Authorization Session under its state parameter. Returns the
// URL for the caller (server-terminated mode: the proxy itself visits
// it via CallbackServer; client-terminated mode: it's surfaced to the
// surrounding system for the end-user to visit out-of-band).
func (f *Flow) BeginAuthorization(ctx context.Context, serverName string, cfg *descriptor.OAuthConfig) (authorizationURL string, err error) {
	metadata, err := f.resolveMetadata(ctx, cfg)
	if err != nil {
		return "", err
	}

	clientID, _, err := f.ensureClient(ctx, serverName, cfg, metadata)
	if err != nil {
		return "", err
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	authURL, err := f.oauthClient.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint, clientID, cfg.RedirectURI, state,
		strings.Join(cfg.Scopes, " "), pkce, cfg.Resources, cfg.Audience,
	)
	if err != nil {
		return "", fmt.Errorf("failed to build authorization url: %w", err)
	}

	f.Sessions.Create(Session{
		State:        state,
		ServerName:   serverName,
		CodeVerifier: pkce.CodeVerifier,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Resources:    cfg.Resources,
		Audience:     cfg.Audience,
	})

	return authURL, nil
}

// HandleCallback consumes the Authorization Session matching state,
// exchanges code at the token endpoint, and stores the resulting Token
// Set keyed by the session's server name. Returns the server name so
// the caller (the Manager) knows which server just finished
// authorizing.
func (f *Flow) HandleCallback(ctx context.Context, cfg *descriptor.OAuthConfig, state, code string) (serverName string, err error) {
	sess, ok := f.Sessions.ValidateAndConsume(state)
	if !ok {
		return "", ErrInvalidState
	}

	metadata, err := f.resolveMetadata(ctx, cfg)
	if err != nil {
		return sess.ServerName, err
	}
	clientID, _, err := f.ensureClient(ctx, sess.ServerName, cfg, metadata)
	if err != nil {
		return sess.ServerName, err
	}

	token, err := f.oauthClient.ExchangeCode(ctx, metadata.TokenEndpoint, code, sess.RedirectURI, clientID, sess.CodeVerifier, sess.Resources, sess.Audience)
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "oauth_token_exchange", Outcome: "failure", Target: sess.ServerName, Error: err.Error()})
		return sess.ServerName, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	token.Issuer = metadata.Issuer

	f.Tokens.Store(sess.ServerName, token)
	logging.Audit(logging.AuditEvent{Action: "oauth_token_exchange", Outcome: "success", Target: sess.ServerName})

	return sess.ServerName, nil
}

// EnsureToken returns a currently valid access token for serverName,
// transparently refreshing it first if it is within its expiry margin
// and a refresh token is available. Concurrent callers for the same
// server coalesce onto one in-flight refresh via singleflight.
func (f *Flow) EnsureToken(ctx context.Context, serverName string, cfg *descriptor.OAuthConfig) (*oauth.Token, error) {
	token := f.Tokens.Get(serverName)
	if token == nil {
		return nil, ErrNoToken
	}
	if !token.IsExpired() || token.RefreshToken == "" {
		return token, nil
	}

	result, err, _ := f.refreshGroup.Do(serverName, func() (interface{}, error) {
		if current := f.Tokens.Get(serverName); current != nil && !current.IsExpired() {
			return current, nil
		}

		metadata, err := f.resolveMetadata(ctx, cfg)
		if err != nil {
			return nil, err
		}
		clientID, _, err := f.ensureClient(ctx, serverName, cfg, metadata)
		if err != nil {
			return nil, err
		}

		refreshed, err := f.oauthClient.RefreshToken(ctx, metadata.TokenEndpoint, token.RefreshToken, clientID, cfg.Resources, cfg.Audience)
		if err != nil {
			logging.Audit(logging.AuditEvent{Action: "oauth_token_refresh", Outcome: "failure", Target: serverName, Error: err.Error()})
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		refreshed.Issuer = metadata.Issuer
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = token.RefreshToken
		}

		f.Tokens.Store(serverName, refreshed)
		logging.Audit(logging.AuditEvent{Action: "oauth_token_refresh", Outcome: "success", Target: serverName})
		return refreshed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*oauth.Token), nil
}
