package bridge

import (
	"errors"
	"net/http"
)

var (
	ErrSpawnFailure       = errors.New("backend spawn failed")
	ErrStartupTimeout     = errors.New("backend startup timed out")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrUpstreamProtocol   = errors.New("malformed backend response")
	ErrPayloadTooLarge    = errors.New("request body too large")
	ErrSessionNotFound    = errors.New("session not found")
	ErrBackendMismatch    = errors.New("session bound to a different backend")
	ErrShuttingDown       = errors.New("bridge shutting down")
)

// StatusFor maps an error from the taxonomy to the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrBackendUnreachable), errors.Is(err, ErrUpstreamProtocol):
		return http.StatusBadGateway
	case errors.Is(err, ErrSpawnFailure), errors.Is(err, ErrStartupTimeout), errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short label for the error, used in logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSpawnFailure):
		return "spawn_failure"
	case errors.Is(err, ErrStartupTimeout):
		return "startup_timeout"
	case errors.Is(err, ErrBackendUnreachable):
		return "backend_unreachable"
	case errors.Is(err, ErrUpstreamProtocol):
		return "upstream_protocol"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrBackendMismatch):
		return "backend_mismatch"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "internal"
	}
}
