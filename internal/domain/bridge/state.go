package bridge

// SessionState is the lifecycle state of a client session.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionActive
	SessionIdle
	SessionClosed
)

// String returns the string representation of the state
func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionActive:
		return "active"
	case SessionIdle:
		return "idle"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the session state machine allows moving from s to next.
// Idle sessions may become active again; closed is terminal.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionCreated:
		return next == SessionActive || next == SessionIdle || next == SessionClosed
	case SessionActive:
		return next == SessionIdle || next == SessionClosed
	case SessionIdle:
		return next == SessionActive || next == SessionClosed
	default:
		return false
	}
}

// BackendState is the lifecycle state of a supervised backend process.
type BackendState int

const (
	BackendStarting BackendState = iota
	BackendReady
	BackendDegraded
	BackendTerminated
)

// String returns the string representation of the state
func (s BackendState) String() string {
	switch s {
	case BackendStarting:
		return "starting"
	case BackendReady:
		return "ready"
	case BackendDegraded:
		return "degraded"
	case BackendTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the backend state machine allows moving from s to next.
func (s BackendState) CanTransition(next BackendState) bool {
	switch s {
	case BackendStarting:
		return next == BackendReady || next == BackendDegraded || next == BackendTerminated
	case BackendReady:
		return next == BackendDegraded || next == BackendTerminated
	case BackendDegraded:
		return next == BackendTerminated
	default:
		return false
	}
}

// Close reasons recorded on sessions and exported as metric labels.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonBackendFailure   = "backend_failure"
	ReasonShutdown         = "shutdown"
	ReasonRebind           = "rebind"
)
