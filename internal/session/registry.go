package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"go.uber.org/zap"
)

// Config controls idle handling.
type Config struct {
	// IdleTimeout closes sessions without traffic for this long.
	IdleTimeout time.Duration
	// IdleAfter marks active sessions Idle after this long without traffic.
	IdleAfter time.Duration
	// ReapInterval is how often Run sweeps the registry.
	ReapInterval time.Duration
}

// ConfigFrom maps the session section of the application config.
func ConfigFrom(c config.SessionConfig) Config {
	return Config{
		IdleTimeout:  c.IdleTimeout.Duration,
		IdleAfter:    c.IdleAfter.Duration,
		ReapInterval: c.ReapInterval.Duration,
	}
}

// Registry owns the live sessions.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	created  uint64
}

// New creates an empty registry. metrics may be nil.
func New(cfg Config, logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Resolve returns the live session for token, or creates one when the token
// is empty or unknown. created reports which happened.
func (r *Registry) Resolve(token string) (s *Session, created bool) {
	if token != "" {
		r.mu.RLock()
		s, ok := r.sessions[token]
		r.mu.RUnlock()
		if ok && s.State() != bridge.SessionClosed {
			return s, false
		}
	}

	r.mu.Lock()
	r.created++
	s = newSession(r.now(), r.created)
	r.sessions[s.ID.String()] = s
	r.mu.Unlock()

	r.metrics.SessionCreated()
	r.logger.Debug("session created", zap.String("session_id", s.ID.Redacted()))
	return s, true
}

// Get returns the live session with the given id.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, bridge.ErrSessionNotFound
	}
	return s, nil
}

// Touch records traffic on s.
func (r *Registry) Touch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == bridge.SessionClosed {
		return
	}
	s.lastActivity = r.now()
	s.transition(bridge.SessionActive)
}

// Bind attaches s to a backend instance. Rebinding to the same instance is a
// no-op; binding to a different one fails.
func (r *Registry) Bind(s *Session, backendID, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == bridge.SessionClosed {
		return bridge.ErrSessionNotFound
	}
	if s.backendID != "" && s.backendID != backendID {
		return bridge.ErrBackendMismatch
	}
	s.backendID = backendID
	s.addr = addr
	return nil
}

// Attach counts a new duplex connection on s.
func (r *Registry) Attach(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == bridge.SessionClosed {
		return bridge.ErrSessionNotFound
	}
	s.conns++
	return nil
}

// Detach releases a duplex connection; the last one closes the session.
func (r *Registry) Detach(s *Session) {
	s.mu.Lock()
	if s.conns > 0 {
		s.conns--
	}
	last := s.conns == 0
	s.mu.Unlock()

	if last {
		r.Close(s, bridge.ReasonClientDisconnect)
	}
}

// Close closes s and removes it from the registry. It never touches the
// backend process. It reports whether this call closed the session.
func (r *Registry) Close(s *Session, reason string) bool {
	s.mu.Lock()
	if !s.transition(bridge.SessionClosed) {
		s.mu.Unlock()
		return false
	}
	s.reason = reason
	close(s.done)
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, s.ID.String())
	r.mu.Unlock()

	r.metrics.SessionClosed(reason)
	r.logger.Info("session closed",
		zap.String("session_id", s.ID.Redacted()),
		zap.String("reason", reason),
	)
	return true
}

// CloseBoundTo closes every session bound to backendID.
func (r *Registry) CloseBoundTo(backendID, reason string) int {
	n := 0
	for _, s := range r.snapshot() {
		if id, _ := s.Backend(); id == backendID && r.Close(s, reason) {
			n++
		}
	}
	return n
}

// CloseAll closes every session.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	for _, s := range r.snapshot() {
		if r.Close(s, reason) {
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List snapshots the live sessions, oldest first.
func (r *Registry) List() []Info {
	sessions := r.snapshot()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Reap marks quiet sessions Idle and closes those past the idle timeout,
// whatever the state of their connections. It returns the number closed.
func (r *Registry) Reap() int {
	now := r.now()
	closed := 0
	for _, s := range r.snapshot() {
		s.mu.Lock()
		quiet := now.Sub(s.lastActivity)
		expired := r.cfg.IdleTimeout > 0 && quiet >= r.cfg.IdleTimeout
		if !expired && r.cfg.IdleAfter > 0 && quiet >= r.cfg.IdleAfter && s.state == bridge.SessionActive {
			s.transition(bridge.SessionIdle)
		}
		s.mu.Unlock()

		if expired && r.Close(s, bridge.ReasonIdleTimeout) {
			closed++
		}
	}
	return closed
}

// Run reaps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}
