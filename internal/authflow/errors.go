package authflow

import "errors"

// Failure sentinels for the authorization flow. Each is reported as the
// owning server's status error message and surfaces in audit logs via
// pkg/logging.Audit.
var (
	// ErrDiscoveryFailed indicates authorization-server metadata could
	// not be obtained from discovery, and no usable manual metadata was
	// supplied as a fallback.
	ErrDiscoveryFailed = errors.New("authflow: authorization-server metadata discovery failed")

	// ErrRegistrationFailed indicates dynamic client registration (RFC
	// 7591) was attempted and rejected or unreachable.
	ErrRegistrationFailed = errors.New("authflow: dynamic client registration failed")

	// ErrCredentialsMissing indicates registration is disabled and no
	// static client credentials were configured.
	ErrCredentialsMissing = errors.New("authflow: no client credentials available and registration is disabled")

	// ErrInvalidState indicates a callback's state parameter did not
	// match any outstanding Authorization Session, or the session had
	// already expired.
	ErrInvalidState = errors.New("authflow: callback state unknown or expired")

	// ErrTokenExchangeFailed indicates the token endpoint rejected an
	// authorization_code exchange.
	ErrTokenExchangeFailed = errors.New("authflow: token exchange failed")

	// ErrRefreshFailed indicates the token endpoint rejected a
	// refresh_token grant; the Token Set is marked unusable.
	ErrRefreshFailed = errors.New("authflow: token refresh failed")

	// ErrNoToken indicates EnsureToken was called for a server with no
	// stored Token Set and no completed authorization flow.
	ErrNoToken = errors.New("authflow: no token available for server")
)
