package translator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termbridge/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	tr      *Translator
	front   *httptest.Server
	metrics *monitoring.Metrics
	cancel  context.CancelFunc

	backendDone chan struct{}
	sessionDone chan struct{}

	mu        sync.Mutex
	reason    string
	touches   int
	failTouch bool
}

func testTranslatorConfig() Config {
	return Config{
		Prefix:      "/app",
		MaxBodySize: 1 << 20,
		RewriteHTML: true,
		DialTimeout: time.Second,
		CloseGrace:  200 * time.Millisecond,
	}
}

// startBackend serves the shared test application and returns its host:port.
func startBackend(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(testutil.NewBackend())
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

// startHandler serves h as a backend and returns its host:port.
func startHandler(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newHarness(t *testing.T, cfg Config, backendAddr string) *harness {
	t.Helper()

	h := &harness{
		metrics:     monitoring.NewMetrics(prometheus.NewRegistry()),
		backendDone: make(chan struct{}),
		sessionDone: make(chan struct{}),
	}
	tracer := tracing.New("test", zap.NewNop())
	h.tr = New(cfg, zap.NewNop(), h.metrics, tracer)

	relayCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	binding := Binding{
		SessionID:   "sess_test",
		BackendID:   "backend-test",
		Addr:        backendAddr,
		BackendDone: h.backendDone,
		SessionDone: h.sessionDone,
		SessionReason: func() string {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.reason
		},
		Touch: func() {
			h.mu.Lock()
			h.touches++
			fail := h.failTouch
			h.failTouch = false
			h.mu.Unlock()
			if fail {
				panic("touch failed")
			}
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			_ = h.tr.ServeWebSocket(relayCtx, w, r, binding)
			return
		}
		h.tr.ServeHTTP(w, r, binding)
	})
	h.front = httptest.NewServer(tracing.Handler(tracer, handler))

	t.Cleanup(func() {
		cancel()
		h.front.Close()
		h.tr.Close()
		tracer.Close()
	})
	return h
}

func (h *harness) url(path string) string {
	return h.front.URL + path
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.front.URL, "http") + path
}

func (h *harness) closeSession(reason string) {
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()
	close(h.sessionDone)
}

// failNextTouch makes the next activity report panic inside the translator.
func (h *harness) failNextTouch() {
	h.mu.Lock()
	h.failTouch = true
	h.mu.Unlock()
}

func (h *harness) touchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.touches
}

func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
