package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// TransportKind names one of the transports tried, in order, when an
// OAuth-terminated endpoint's initial connect fails with a
// connectivity-class error.
type TransportKind string

const (
	KindStreamableHTTP TransportKind = "streamable-http"
	KindSSE            TransportKind = "sse"
	KindHTTP           TransportKind = "http"
	KindWebSocket      TransportKind = "websocket"
)

// DefaultCycleOrder is the fixed order transport cycling tries, per
// spec: streamable-HTTP, SSE, HTTP, WebSocket.
var DefaultCycleOrder = []TransportKind{KindStreamableHTTP, KindSSE, KindHTTP, KindWebSocket}

// Factory builds the Client for one transport kind. It may itself fail
// (e.g. bad URL); such failures are treated the same as a Connect
// failure for cycling purposes.
type Factory func(kind TransportKind) (Client, error)

// CycleConnect tries each kind in order, building a client and calling
// Connect on it. It advances to the next kind only on a
// connectivity-class error (ErrTransportError wrapping a transient
// cause); a configuration or authentication error aborts cycling
// immediately and is returned as-is. Returns the first client that
// connects successfully, already connected.
func CycleConnect(ctx context.Context, order []TransportKind, build Factory) (Client, TransportKind, error) {
	var lastErr error
	var lastKind TransportKind

	for _, kind := range order {
		client, err := build(kind)
		if err != nil {
			lastErr, lastKind = err, kind
			if isConfigurationError(err) {
				return nil, kind, err
			}
			if !isCyclableError(err) {
				return nil, kind, err
			}
			continue
		}

		if err := client.Connect(ctx); err != nil {
			client.Close()
			lastErr, lastKind = err, kind
			if isConfigurationError(err) {
				return nil, kind, err
			}
			if !isCyclableError(err) {
				return nil, kind, err
			}
			continue
		}

		return client, kind, nil
	}

	return nil, lastKind, lastErr
}

// isCyclableError reports whether err is connectivity-class: a timeout,
// a refused or reset connection, or this package's own
// ErrTransportError wrapping one of those. Anything else (auth failures,
// malformed responses, application errors) is not cyclable and must
// surface immediately.
func isCyclableError(err error) bool {
	var transportErr *ErrTransportError
	if errors.As(err, &transportErr) {
		err = transportErr.Err
	}
	if isTransientConnectivityError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"connection refused", "connection reset", "broken pipe", "eof", "no such host"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// isConfigurationError reports whether err reflects a configuration or
// authentication problem that transport cycling must not paper over:
// TLS/certificate failures and authentication rejections. These always
// stop cycling immediately per spec, distinct from connectivity noise.
func isConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"unauthorized", "401", "403", "invalid_client", "invalid_grant", "forbidden", "certificate"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
