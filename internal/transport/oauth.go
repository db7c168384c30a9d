package transport

// BearerTokenSetter is implemented by every transport whose
// authentication mode can be refreshed without tearing down the
// underlying connection: HTTPClient, SSEClient, and WebSocketClient.
// internal/authflow uses this to push a freshly refreshed access token
// into the live client for an OAuth-terminated endpoint.
type BearerTokenSetter interface {
	SetBearerToken(token string)
}

// OAuthClient wraps whichever concrete transport CycleConnect selected
// for an OAuth-terminated endpoint. It exists so the Server Manager can
// hold one uniform Client handle regardless of which transport won the
// cycling race, while still reaching the underlying BearerTokenSetter
// when a token refresh arrives.
type OAuthClient struct {
	Client
	Kind TransportKind
}

// SetBearerToken forwards to the wrapped transport if it supports
// dynamic credential updates; it is a no-op otherwise (no OAuth
// transport in this package fails to implement BearerTokenSetter, but
// the check keeps this safe if one is added later without it).
func (o *OAuthClient) SetBearerToken(token string) {
	if setter, ok := o.Client.(BearerTokenSetter); ok {
		setter.SetBearerToken(token)
	}
}
