package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{name: "nil", err: nil, wantStatus: http.StatusOK, wantKind: "none"},
		{name: "payload", err: ErrPayloadTooLarge, wantStatus: http.StatusRequestEntityTooLarge, wantKind: "payload_too_large"},
		{name: "unreachable wrapped", err: fmt.Errorf("dial 127.0.0.1:1: %w", ErrBackendUnreachable), wantStatus: http.StatusBadGateway, wantKind: "backend_unreachable"},
		{name: "protocol", err: ErrUpstreamProtocol, wantStatus: http.StatusBadGateway, wantKind: "upstream_protocol"},
		{name: "spawn", err: fmt.Errorf("exec: %w", ErrSpawnFailure), wantStatus: http.StatusServiceUnavailable, wantKind: "spawn_failure"},
		{name: "startup", err: ErrStartupTimeout, wantStatus: http.StatusServiceUnavailable, wantKind: "startup_timeout"},
		{name: "shutdown", err: ErrShuttingDown, wantStatus: http.StatusServiceUnavailable, wantKind: "shutting_down"},
		{name: "other", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantKind: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, StatusFor(tt.err))
			assert.Equal(t, tt.wantKind, Kind(tt.err))
		})
	}
}

func TestSessionStateTransitions(t *testing.T) {
	assert.True(t, SessionCreated.CanTransition(SessionActive))
	assert.True(t, SessionActive.CanTransition(SessionIdle))
	assert.True(t, SessionIdle.CanTransition(SessionActive))
	assert.True(t, SessionIdle.CanTransition(SessionClosed))
	assert.False(t, SessionClosed.CanTransition(SessionActive))
	assert.False(t, SessionActive.CanTransition(SessionCreated))
	assert.Equal(t, "idle", SessionIdle.String())
}

func TestBackendStateTransitions(t *testing.T) {
	assert.True(t, BackendStarting.CanTransition(BackendReady))
	assert.True(t, BackendReady.CanTransition(BackendDegraded))
	assert.True(t, BackendDegraded.CanTransition(BackendTerminated))
	assert.False(t, BackendDegraded.CanTransition(BackendReady))
	assert.False(t, BackendTerminated.CanTransition(BackendStarting))
	assert.Equal(t, "terminated", BackendTerminated.String())
}
