package manager

import "errors"

// Error taxonomy for the Server Manager, wrapped with fmt.Errorf("%w", ...)
// at call sites so errors.Is works end to end.
var (
	// ErrUnknownServer indicates a name not present in the descriptor set.
	ErrUnknownServer = errors.New("manager: unknown server")

	// ErrNotConnected indicates the server exists but is not currently
	// in the Connected status.
	ErrNotConnected = errors.New("manager: server not connected")

	// ErrCapabilityUnsupported indicates the upstream does not advertise
	// the requested capability (sampling, elicitation).
	ErrCapabilityUnsupported = errors.New("manager: upstream does not support requested capability")

	// ErrConfigurationError indicates a descriptor is missing fields its
	// transport requires (e.g. OAuth credentials) and the server cannot
	// be started.
	ErrConfigurationError = errors.New("manager: invalid server configuration")
)
