package authflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"magictunnel/internal/descriptor"
	"magictunnel/pkg/oauth"
)

func newTestFlow(t *testing.T, httpClient *http.Client) *Flow {
	t.Helper()
	f := &Flow{
		oauthClient: oauth.NewClient(oauth.WithHTTPClient(httpClient)),
		Sessions:    NewSessionStore(),
		Tokens:      NewTokenStore(""),
		Clients:     NewClientStore(""),
	}
	t.Cleanup(f.Stop)
	return f
}

func authServerStub(t *testing.T, registrationEndpoint *string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		metadata := oauth.Metadata{
			Issuer:                "https://issuer.example.com",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         "https://issuer.example.com/token",
		}
		if registrationEndpoint != nil {
			metadata.RegistrationEndpoint = *registrationEndpoint
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metadata)
	})
	return httptest.NewServer(mux)
}

func TestBeginAuthorizationWithStaticCredentials(t *testing.T) {
	srv := authServerStub(t, nil)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	cfg := &descriptor.OAuthConfig{
		ConnectionBaseURL: srv.URL,
		RedirectURI:       "https://client.example.com/callback",
		StaticClientID:    "static-client",
		Scopes:            []string{"read", "write"},
	}

	authURL, err := f.BeginAuthorization(t.Context(), "myserver", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid authorization url: %v", err)
	}
	q := parsed.Query()
	if q.Get("client_id") != "static-client" {
		t.Errorf("expected client_id static-client, got %s", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected S256 code challenge method, got %s", q.Get("code_challenge_method"))
	}
	if q.Get("state") == "" {
		t.Error("expected non-empty state parameter")
	}

	if _, ok := f.Sessions.ValidateAndConsume(q.Get("state")); !ok {
		t.Error("expected an Authorization Session stored under the minted state")
	}
}

func TestBeginAuthorizationFailsWithoutCredentials(t *testing.T) {
	srv := authServerStub(t, nil)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	cfg := &descriptor.OAuthConfig{
		ConnectionBaseURL: srv.URL,
		RedirectURI:       "https://client.example.com/callback",
	}

	_, err := f.BeginAuthorization(t.Context(), "myserver", cfg)
	if err != ErrCredentialsMissing {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
}

func TestBeginAuthorizationDynamicallyRegisters(t *testing.T) {
	var registrationHits int32

	regMux := http.NewServeMux()
	var regServerURL string
	regMux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&registrationHits, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauth.ClientMetadata{ClientID: "dynamic-client-id"})
	})
	regServer := httptest.NewServer(regMux)
	defer regServer.Close()
	regServerURL = regServer.URL + "/register"

	srv := authServerStub(t, &regServerURL)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	cfg := &descriptor.OAuthConfig{
		ConnectionBaseURL: srv.URL,
		RedirectURI:       "https://client.example.com/callback",
	}

	authURL, err := f.BeginAuthorization(t.Context(), "myserver", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&registrationHits) != 1 {
		t.Fatalf("expected exactly 1 registration call, got %d", registrationHits)
	}

	parsed, _ := url.Parse(authURL)
	if parsed.Query().Get("client_id") != "dynamic-client-id" {
		t.Errorf("expected dynamically registered client_id, got %s", parsed.Query().Get("client_id"))
	}

	if got := f.Clients.Get("myserver"); got == nil || got.ClientID != "dynamic-client-id" {
		t.Error("expected registered client metadata to be cached")
	}

	// A second call for the same server must reuse the cached registration.
	if _, err := f.BeginAuthorization(t.Context(), "myserver", cfg); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if atomic.LoadInt32(&registrationHits) != 1 {
		t.Fatalf("expected registration to be reused, got %d calls", registrationHits)
	}
}

func TestHandleCallbackRejectsUnknownState(t *testing.T) {
	srv := authServerStub(t, nil)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	cfg := &descriptor.OAuthConfig{ConnectionBaseURL: srv.URL}

	_, err := f.HandleCallback(t.Context(), cfg, "unknown-state", "somecode")
	if err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestHandleCallbackExchangesCodeAndStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauth.Metadata{
			Issuer:                "https://issuer.example.com",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauth.Token{
			AccessToken:  "access-token-1",
			RefreshToken: "refresh-token-1",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
		})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	cfg := &descriptor.OAuthConfig{
		ConnectionBaseURL: srv.URL,
		RedirectURI:       "https://client.example.com/callback",
		StaticClientID:    "static-client",
	}

	authURL, err := f.BeginAuthorization(t.Context(), "myserver", cfg)
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}
	state := mustQueryParam(t, authURL, "state")

	serverName, err := f.HandleCallback(t.Context(), cfg, state, "auth-code-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverName != "myserver" {
		t.Errorf("expected serverName myserver, got %s", serverName)
	}

	stored := f.Tokens.Get("myserver")
	if stored == nil || stored.AccessToken != "access-token-1" {
		t.Fatal("expected token set to be stored")
	}
}

func TestEnsureTokenReturnsUnexpiredTokenWithoutRefresh(t *testing.T) {
	var refreshHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshHits, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauth.Token{AccessToken: "should-not-be-used", ExpiresIn: 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	f.Tokens.Store("myserver", &oauth.Token{
		AccessToken:  "still-valid",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	token, err := f.EnsureToken(t.Context(), "myserver", &descriptor.OAuthConfig{ConnectionBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.AccessToken != "still-valid" {
		t.Errorf("expected unexpired token to be returned as-is, got %s", token.AccessToken)
	}
	if atomic.LoadInt32(&refreshHits) != 0 {
		t.Error("expected no refresh call for an unexpired token")
	}
}

func TestEnsureTokenRefreshesExpiredTokenOnce(t *testing.T) {
	var refreshHits int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauth.Metadata{
			Issuer:                "https://issuer.example.com",
			AuthorizationEndpoint: "https://issuer.example.com/authorize",
			TokenEndpoint:         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshHits, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(oauth.Token{AccessToken: "refreshed-token", RefreshToken: "refresh-1", ExpiresIn: 3600})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFlow(t, srv.Client())
	cfg := &descriptor.OAuthConfig{ConnectionBaseURL: srv.URL, StaticClientID: "static-client"}
	f.Tokens.Store("myserver", &oauth.Token{
		AccessToken:  "expired",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	results := make(chan *oauth.Token, 2)
	for i := 0; i < 2; i++ {
		go func() {
			token, err := f.EnsureToken(t.Context(), "myserver", cfg)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				results <- nil
				return
			}
			results <- token
		}()
	}

	for i := 0; i < 2; i++ {
		token := <-results
		if token == nil || token.AccessToken != "refreshed-token" {
			t.Error("expected both concurrent callers to see the refreshed token")
		}
	}
	if atomic.LoadInt32(&refreshHits) != 1 {
		t.Fatalf("expected refresh to be coalesced into a single call, got %d", refreshHits)
	}
}

func TestEnsureTokenFailsWithoutStoredToken(t *testing.T) {
	srv := authServerStub(t, nil)
	defer srv.Close()
	f := newTestFlow(t, srv.Client())

	_, err := f.EnsureToken(t.Context(), "unknown-server", &descriptor.OAuthConfig{ConnectionBaseURL: srv.URL})
	if err != ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("invalid url %s: %v", rawURL, err)
	}
	return parsed.Query().Get(key)
}
