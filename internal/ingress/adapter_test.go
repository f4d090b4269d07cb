package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/bridge"
	domain "github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/termbridge/internal/shared/id"
	"github.com/GriffinCanCode/termbridge/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	adapter *Adapter
	server  *httptest.Server
}

func testConfig(prefix string, env ...string) *config.Config {
	cfg := config.Default()
	cfg.Bridge.Command = testutil.Command()
	cfg.Bridge.MountPrefix = prefix
	cfg.Backend.Env = testutil.Env(env...)
	cfg.Backend.StartupTimeout = config.Duration{Duration: 10 * time.Second}
	cfg.Backend.GracePeriod = config.Duration{Duration: 2 * time.Second}
	return cfg
}

func startFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	b, err := bridge.New(cfg, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	a := New(b, zap.NewNop(), nil)

	srv := httptest.NewUnstartedServer(a)
	srv.Config.ConnContext = ConnContext
	srv.Start()

	require.NoError(t, a.Startup(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		srv.Close()
	})
	return &fixture{adapter: a, server: srv}
}

func (f *fixture) url(path string) string {
	return f.server.URL + path
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func newClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func get(t *testing.T, client *http.Client, url string, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == "termbridge_session" {
			return c
		}
	}
	return nil
}

func TestTerminalScenario(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	client := newClient()

	resp, page := get(t, client, f.url("/app/"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, page, `href="/app/static/theme.css"`)

	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.True(t, strings.HasPrefix(cookie.Value, "sess_"))
	assert.Equal(t, "/app", cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/app/ws?width=80&height=24"), header)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, msg := range []string{"abc", "ls\n"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		mt, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, msg, string(got))
	}

	reg := f.adapter.Bridge().Sessions()
	assert.Equal(t, 1, reg.Len())
	s, err := reg.Get(cookie.Value)
	require.NoError(t, err)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after its last websocket left")
	}
	assert.Equal(t, "client_disconnect", s.Reason())
}

func TestThemeRedirectScenario(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	client := newClient()

	resp, _ := get(t, client, f.url("/app/theme"))
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/app/static/theme.css", resp.Header.Get("Location"))

	resp, body := get(t, client, f.url("/app/static/theme.css"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testutil.ThemeCSS, body)
}

func TestRootMount(t *testing.T) {
	f := startFixture(t, testConfig("/"))

	resp, body := get(t, newClient(), f.url("/static/theme.css"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testutil.ThemeCSS, body)

	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.Equal(t, "/", cookie.Path)
}

func TestSessionTokenSources(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	reg := f.adapter.Bridge().Sessions()

	resp, _ := get(t, newClient(), f.url("/app/pid"))
	first := sessionCookie(resp)
	require.NotNil(t, first)

	// cookie: no new session and no new cookie
	resp, _ = get(t, newClient(), f.url("/app/pid"), first)
	assert.Nil(t, sessionCookie(resp))

	// query parameter on a fresh connection
	resp, _ = get(t, newClient(), f.url("/app/pid?session="+first.Value))
	if c := sessionCookie(resp); assert.NotNil(t, c) {
		assert.Equal(t, first.Value, c.Value)
	}
	assert.Equal(t, 1, reg.Len())

	// unknown token: a fresh session, never the client's value
	resp, _ = get(t, newClient(), f.url("/app/pid?session=sess_forged"))
	c := sessionCookie(resp)
	require.NotNil(t, c)
	assert.NotEqual(t, "sess_forged", c.Value)
	assert.Equal(t, 2, reg.Len())
}

func TestConnectionPinsSession(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	reg := f.adapter.Bridge().Sessions()

	// one client, no cookie jar: keep-alive reuses the transport connection
	client := newClient()
	resp, _ := get(t, client, f.url("/app/pid"))
	first := sessionCookie(resp)
	require.NotNil(t, first)

	resp, _ = get(t, client, f.url("/app/pid"))
	second := sessionCookie(resp)
	require.NotNil(t, second)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, 1, reg.Len())

	// a new connection without a token gets its own session
	get(t, newClient(), f.url("/app/pid"))
	assert.Equal(t, 2, reg.Len())
}

func TestBackendKillDisconnectsAndRespawns(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	client := newClient()

	resp, pid1 := get(t, client, f.url("/app/pid"))
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)

	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/app/ws"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("exit")))
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseServiceRestart, ce.Code)

	// the old session is gone; the next request gets a new one on a new process
	resp, pid2 := get(t, newClient(), f.url("/app/pid"), cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, pid1, pid2)
	if c := sessionCookie(resp); assert.NotNil(t, c) {
		assert.NotEqual(t, cookie.Value, c.Value)
	}
}

func TestIdleSessionsReaped(t *testing.T) {
	cfg := testConfig("/app")
	cfg.Session.IdleAfter = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Session.IdleTimeout = config.Duration{Duration: 150 * time.Millisecond}
	cfg.Session.ReapInterval = config.Duration{Duration: 20 * time.Millisecond}
	f := startFixture(t, cfg)
	reg := f.adapter.Bridge().Sessions()

	resp, _ := get(t, newClient(), f.url("/app/pid"))
	first := sessionCookie(resp)
	require.NotNil(t, first)

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 3*time.Second, 20*time.Millisecond)

	resp, _ = get(t, newClient(), f.url("/app/pid"), first)
	second := sessionCookie(resp)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Value, second.Value)
}

func TestRejectsAfterShutdown(t *testing.T) {
	f := startFixture(t, testConfig("/app"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.adapter.Shutdown(ctx))

	resp, body := get(t, newClient(), f.url("/app/"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, "shutting_down", payload["kind"])
	assert.Empty(t, f.adapter.Bridge().Sessions().List())
}

func TestShutdownClosesLiveWebSockets(t *testing.T) {
	f := startFixture(t, testConfig("/app"))

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/app/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("abc")))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.adapter.Shutdown(ctx)
	}()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
}

func TestUnreachableBackendStartup(t *testing.T) {
	cfg := testConfig("/app", testutil.EnvHang+"=1")
	cfg.Bridge.EagerStart = false
	cfg.Backend.StartupTimeout = config.Duration{Duration: 300 * time.Millisecond}
	f := startFixture(t, cfg)

	resp, body := get(t, newClient(), f.url("/app/"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "startup_timeout")
}

// brokenWriter panics the first time a handler commits a response.
type brokenWriter struct {
	*httptest.ResponseRecorder
	tripped bool
}

func (w *brokenWriter) WriteHeader(code int) {
	if !w.tripped {
		w.tripped = true
		panic("response writer failed")
	}
	w.ResponseRecorder.WriteHeader(code)
}

func TestPanicInOneRequestIsContained(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	client := newClient()

	resp, pid := get(t, client, f.url("/app/pid"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/app/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	echo := func(msg string) {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}
	echo("abc")

	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder()}
	require.NotPanics(t, func() {
		f.adapter.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app/pid", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	echo("ls\n")

	resp, again := get(t, client, f.url("/app/pid"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pid, again)
}

func TestAttachReplacesClosedSession(t *testing.T) {
	f := startFixture(t, testConfig("/app"))
	b := f.adapter.Bridge()
	reg := b.Sessions()

	p, err := b.Acquire(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/app/ws", nil)
	req = req.WithContext(ConnContext(req.Context(), nil))
	s, _ := f.adapter.resolve(req, "")
	require.NoError(t, reg.Bind(s, p.ID, p.Addr()))
	reg.Close(s, domain.ReasonIdleTimeout)

	got, err := f.adapter.attach(req, s, p)
	require.NoError(t, err)
	defer reg.Detach(got)

	assert.NotEqual(t, s.ID, got.ID)
	backendID, _ := got.Backend()
	assert.Equal(t, p.ID, backendID)
	assert.Equal(t, 1, got.Info().Connections)

	// the connection is now pinned to the replacement
	again, created := f.adapter.resolve(req, "")
	assert.False(t, created)
	assert.Same(t, got, again)
}

func TestTokenIgnoresMalformedValues(t *testing.T) {
	a := &Adapter{cookieName: "termbridge_session", queryParam: "session"}
	valid := id.NewSessionID().String()
	other := id.NewSessionID().String()

	tests := []struct {
		name   string
		cookie string
		query  string
		want   string
	}{
		{name: "cookie", cookie: valid, want: valid},
		{name: "query", query: valid, want: valid},
		{name: "cookie wins", cookie: valid, query: other, want: valid},
		{name: "malformed cookie falls back to query", cookie: "sess_forged", query: valid, want: valid},
		{name: "malformed query", query: "../../etc/passwd", want: ""},
		{name: "bare prefix", cookie: "sess_", want: ""},
		{name: "none", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/app/pid"
			if tt.query != "" {
				target += "?session=" + url.QueryEscape(tt.query)
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "termbridge_session", Value: tt.cookie})
			}
			assert.Equal(t, tt.want, a.token(req))
		})
	}
}
