// Package logging provides a structured logging system for MagicTunnel that
// supports both CLI and TUI-channel execution modes with unified log handling.
//
// This package implements a dual-mode logging architecture that can operate
// in either CLI mode (direct output via slog) or TUI mode (channel-based
// message passing), enabling consistent logging behavior regardless of which
// surrounding front-end is driving the proxy.
//
// # Log Levels
//   - Debug: Detailed information for debugging and development
//   - Info: General informational messages about application operation
//   - Warn: Warning messages that indicate potential issues
//   - Error: Error messages for failures and exceptional conditions
//
// # Execution Modes
//   - CLI mode: direct logging to a specified output writer (stdout/stderr)
//   - TUI mode: logging via a buffered channel for consumption by a terminal UI
//
// # Usage
//
//	import "magictunnel/pkg/logging"
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//	logging.Info("Manager", "starting %d configured servers", n)
//	logging.Error("Authflow", err, "token refresh failed for server=%s", name)
//
// # Subsystem Organization
//
// Logs are tagged by subsystem to enable filtering and categorization:
//   - Manager: server lifecycle, dispatch, transport cycling
//   - Authflow: OAuth discovery, registration, code exchange, refresh
//   - SSEQueue: single-session request queue, reconnection, heartbeats
//   - Transport: per-client connect/disconnect/execute
//   - AUDIT: structured security-sensitive event trail (see Audit)
//
// # Thread Safety
//
// The logging system is safe for concurrent use from multiple goroutines;
// channel operations and shared logger state are protected internally.
package logging
