package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/GriffinCanCode/termbridge/internal/bridge"
	domain "github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termbridge/internal/session"
	"github.com/GriffinCanCode/termbridge/internal/shared/id"
	"github.com/GriffinCanCode/termbridge/internal/supervisor"
	"github.com/GriffinCanCode/termbridge/internal/translator"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Adapter serves a Bridge over net/http.
type Adapter struct {
	bridge  *bridge.Bridge
	logger  *zap.Logger
	metrics *monitoring.Metrics

	cookieName string
	queryParam string
	cookiePath string
}

// New creates an adapter for b. metrics may be nil.
func New(b *bridge.Bridge, logger *zap.Logger, metrics *monitoring.Metrics) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := b.Config().Session

	path := b.Prefix()
	if path == "" {
		path = "/"
	}
	return &Adapter{
		bridge:     b,
		logger:     logger,
		metrics:    metrics,
		cookieName: cfg.CookieName,
		queryParam: cfg.QueryParam,
		cookiePath: path,
	}
}

// Bridge returns the bridge the adapter serves.
func (a *Adapter) Bridge() *bridge.Bridge { return a.bridge }

// Startup is the lifespan startup hook.
func (a *Adapter) Startup(ctx context.Context) error {
	return a.bridge.Startup(ctx)
}

// Shutdown is the lifespan shutdown hook. Requests arriving after it has
// begun get 503.
func (a *Adapter) Shutdown(ctx context.Context) error {
	return a.bridge.Shutdown(ctx)
}

func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			a.logger.Error("request handler panicked",
				zap.Any("panic", p),
				zap.String("path", r.URL.Path),
				zap.Stack("stack"),
			)
			translator.WriteError(w, http.StatusInternalServerError, fmt.Errorf("internal error: %v", p))
		}
	}()

	if a.bridge.Closing() {
		a.reject(w, r, domain.ErrShuttingDown)
		return
	}

	s, _ := a.resolve(r, a.token(r))

	timer := monitoring.NewTimer(a.metrics, "ingress", "acquire")
	p, err := a.bridge.Acquire(r.Context())
	if err != nil {
		timer.Stop(domain.Kind(err))
		if r.Context().Err() != nil {
			return
		}
		a.reject(w, r, err)
		return
	}
	timer.Stop("ok")

	s, err = a.bind(r, s, p)
	if err != nil {
		a.reject(w, r, err)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		a.serveWebSocket(w, r, s, p)
		return
	}
	a.setCookie(w, r, s)
	a.bridge.Translator().ServeHTTP(w, r, a.binding(s, p))
}

func (a *Adapter) binding(s *session.Session, p *supervisor.BackendProcess) translator.Binding {
	reg := a.bridge.Sessions()
	backendID, addr := s.Backend()
	return translator.Binding{
		SessionID:     s.ID.Redacted(),
		BackendID:     backendID,
		Addr:          addr,
		BackendDone:   p.Done(),
		SessionDone:   s.Done(),
		SessionReason: s.Reason,
		Touch:         func() { reg.Touch(s) },
	}
}

func (a *Adapter) serveWebSocket(w http.ResponseWriter, r *http.Request, s *session.Session, p *supervisor.BackendProcess) {
	ctx, done, err := a.bridge.BeginRelay()
	if err != nil {
		a.reject(w, r, err)
		return
	}
	defer done()

	s, err = a.attach(r, s, p)
	if err != nil {
		a.reject(w, r, err)
		return
	}
	defer a.bridge.Sessions().Detach(s)
	a.setCookie(w, r, s)

	if err := a.bridge.Translator().ServeWebSocket(ctx, w, r, a.binding(s, p)); err != nil {
		a.logger.Debug("websocket relay ended with error",
			zap.String("session_id", s.ID.Redacted()),
			zap.Error(err),
		)
	}
}

// attach counts the connection on s. A session closed since it was resolved
// (reaped, or its backend exited) is replaced by a fresh one bound to p.
func (a *Adapter) attach(r *http.Request, s *session.Session, p *supervisor.BackendProcess) (*session.Session, error) {
	reg := a.bridge.Sessions()
	err := reg.Attach(s)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return s, err
	}

	fresh := a.fresh(r)
	a.logger.Debug("session replaced before attach",
		zap.String("old_session_id", s.ID.Redacted()),
		zap.String("session_id", fresh.ID.Redacted()),
	)
	if err := reg.Bind(fresh, p.ID, p.Addr()); err != nil {
		return nil, err
	}
	if err := reg.Attach(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// token returns the correlation token presented by the client. Values that
// are not shaped like an issued session identifier are ignored.
func (a *Adapter) token(r *http.Request) string {
	if c, err := r.Cookie(a.cookieName); err == nil && id.IsSessionID(c.Value) {
		return c.Value
	}
	if v := r.URL.Query().Get(a.queryParam); id.IsSessionID(v) {
		return v
	}
	return ""
}

// resolve maps token to a session. A connection that already resolved one
// keeps using it for as long as it lives.
func (a *Adapter) resolve(r *http.Request, token string) (*session.Session, bool) {
	reg := a.bridge.Sessions()
	st := connStateFrom(r.Context())
	if st == nil {
		return reg.Resolve(token)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.token != "" {
		token = st.token
	}
	s, created := reg.Resolve(token)
	st.token = s.ID.String()
	return s, created
}

// fresh creates a new session and pins it to the connection in place of
// whatever the connection held before.
func (a *Adapter) fresh(r *http.Request) *session.Session {
	s, _ := a.bridge.Sessions().Resolve("")
	if st := connStateFrom(r.Context()); st != nil {
		st.mu.Lock()
		st.token = s.ID.String()
		st.mu.Unlock()
	}
	return s
}

// bind attaches s to p. A session still bound to an earlier backend is
// closed and replaced by a fresh one.
func (a *Adapter) bind(r *http.Request, s *session.Session, p *supervisor.BackendProcess) (*session.Session, error) {
	reg := a.bridge.Sessions()
	err := reg.Bind(s, p.ID, p.Addr())
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, domain.ErrBackendMismatch) && !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	reg.Close(s, domain.ReasonRebind)
	fresh := a.fresh(r)
	a.logger.Debug("session rebound",
		zap.String("old_session_id", s.ID.Redacted()),
		zap.String("session_id", fresh.ID.Redacted()),
		zap.String("backend_id", p.ID),
	)
	if err := reg.Bind(fresh, p.ID, p.Addr()); err != nil {
		return nil, err
	}
	return fresh, nil
}

// setCookie hands the client its session token when it does not already
// present it.
func (a *Adapter) setCookie(w http.ResponseWriter, r *http.Request, s *session.Session) {
	if c, err := r.Cookie(a.cookieName); err == nil && c.Value == s.ID.String() {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    s.ID.String(),
		Path:     a.cookiePath,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *Adapter) reject(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.StatusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	a.logger.Warn("request rejected",
		zap.String("path", r.URL.Path),
		zap.String("kind", domain.Kind(err)),
		zap.Int("status", status),
		zap.Error(err),
		tracing.Field(r.Context()),
	)
	translator.WriteError(w, status, err)
}
