package session

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/shared/id"
)

// Session is one client's correlation with the backend.
type Session struct {
	ID        id.SessionID
	CreatedAt time.Time

	seq uint64

	mu           sync.Mutex
	state        bridge.SessionState
	lastActivity time.Time
	backendID    string
	addr         string
	reason       string
	conns        int
	done         chan struct{}
}

func newSession(now time.Time, seq uint64) *Session {
	return &Session{
		seq:          seq,
		ID:           id.NewSessionID(),
		CreatedAt:    now,
		state:        bridge.SessionCreated,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() bridge.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last relayed traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Backend returns the bound backend instance id and its private address.
func (s *Session) Backend() (backendID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID, s.addr
}

// Reason returns why the session closed, or "" while open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info is a point-in-time view of a session. Ref is a digest of the
// session token; the token itself is never listed.
type Info struct {
	Ref          string    `json:"ref"`
	State        string    `json:"state"`
	BackendID    string    `json:"backend_id,omitempty"`
	Connections  int       `json:"connections"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Ref:          s.ID.Redacted(),
		State:        s.state.String(),
		BackendID:    s.backendID,
		Connections:  s.conns,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) transition(next bridge.SessionState) bool {
	if !s.state.CanTransition(next) {
		return false
	}
	s.state = next
	return true
}
