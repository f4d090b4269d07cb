package translator

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config controls both relay paths.
type Config struct {
	// Prefix is the normalized mount prefix: "" at the root, otherwise "/app" style.
	Prefix       string
	MaxBodySize  int64
	RewriteHTML  bool
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// DeadDetect is how long a WebSocket leg may stay silent (no message, no pong).
	DeadDetect time.Duration
	// QueueSize bounds each direction's frame queue.
	QueueSize int
	// CloseGrace bounds the wait for the peer's close reply.
	CloseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 10 << 20
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = time.Second
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	return c
}

// Binding is what a relay needs to know about the session and its backend.
type Binding struct {
	// SessionID is the redacted session reference, see id.SessionID.Redacted.
	SessionID string
	BackendID string
	// Addr is the backend's private host:port.
	Addr string
	// BackendDone is closed when the backend process exits.
	BackendDone <-chan struct{}
	// SessionDone is closed when the session closes; SessionReason then reports why.
	SessionDone   <-chan struct{}
	SessionReason func() string
	// Touch records traffic on the session.
	Touch func()
}

func (b Binding) touch() {
	if b.Touch != nil {
		b.Touch()
	}
}

func (b Binding) reason() string {
	if b.SessionReason == nil {
		return ""
	}
	return b.SessionReason()
}

// Translator relays HTTP requests and WebSocket connections to backends.
type Translator struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	breakers *resilience.Group

	transport *http.Transport
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader
}

// New creates a translator. metrics and tracer may be nil.
func New(cfg Config, logger *zap.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer) *Translator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	netDialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}

	t := &Translator{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		transport: &http.Transport{
			DialContext:         netDialer.DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: cfg.DialTimeout,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.DialTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	t.breakers = resilience.NewGroup(resilience.Settings{
		MaxRequests: 1,
		Timeout:     time.Second,
		IsFailure:   isDialError,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("backend circuit changed state",
				zap.String("backend_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return t
}

// Prefix returns the normalized mount prefix.
func (t *Translator) Prefix() string {
	return t.cfg.Prefix
}

// Forget drops per-backend state once a backend has exited.
func (t *Translator) Forget(backendID string) {
	t.breakers.Remove(backendID)
	t.transport.CloseIdleConnections()
}

// Close releases idle backend connections.
func (t *Translator) Close() {
	t.transport.CloseIdleConnections()
}

// StripPrefix removes prefix from path, always returning a rooted path.
func StripPrefix(prefix, path string) string {
	if prefix == "" {
		if path == "" {
			return "/"
		}
		return path
	}
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):]
	}
	return path
}

func isDialError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// externalOrigin returns the scheme and host the client used to reach the bridge.
func externalOrigin(r *http.Request) (scheme, host string) {
	scheme = "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host = r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return scheme, host
}
