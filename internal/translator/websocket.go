package translator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServeWebSocket dials the backend WebSocket, upgrades the client with the
// subprotocol the backend selected, and relays frames until either side ends
// or ctx is cancelled.
func (t *Translator) ServeWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, b Binding) error {
	log := t.logger.With(
		zap.String("session_id", b.SessionID),
		zap.String("path", r.URL.Path),
		tracing.Field(r.Context()),
	)

	backendConn, resp, err := t.dialBackend(ctx, r, b)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil {
			// reachable, but it refused the handshake
			err = fmt.Errorf("%w: backend refused websocket handshake with %d", bridge.ErrUpstreamProtocol, resp.StatusCode)
			t.metrics.RecordProxyError("ws", bridge.Kind(err))
			log.Warn("backend refused websocket", zap.Int("status", resp.StatusCode))
			WriteError(w, resp.StatusCode, err)
			return err
		}
		err = fmt.Errorf("%w: %v", bridge.ErrBackendUnreachable, err)
		t.metrics.RecordProxyError("ws", bridge.Kind(err))
		log.Warn("backend websocket unreachable", zap.Error(err))
		t.rejectUpgrade(w, r)
		return err
	}

	// gorilla writes only this header on the 101, so carry cookies set upstream
	header := http.Header{}
	for _, c := range w.Header().Values("Set-Cookie") {
		header.Add("Set-Cookie", c)
	}
	if sp := backendConn.Subprotocol(); sp != "" {
		header.Set("Sec-WebSocket-Protocol", sp)
	}
	clientConn, err := t.upgrader.Upgrade(w, r, header)
	if err != nil {
		backendConn.Close()
		log.Debug("client upgrade failed", zap.Error(err))
		return err
	}

	return t.relay(ctx, clientConn, backendConn, b, log)
}

func (t *Translator) dialBackend(ctx context.Context, r *http.Request, b Binding) (*websocket.Conn, *http.Response, error) {
	target := url.URL{
		Scheme:   "ws",
		Host:     b.Addr,
		Path:     StripPrefix(t.cfg.Prefix, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	header := http.Header{}
	for _, c := range r.Header.Values("Cookie") {
		header.Add("Cookie", c)
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}
	scheme, host := externalOrigin(r)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		header.Set("X-Forwarded-For", ip)
	}
	header.Set("X-Forwarded-Host", host)
	header.Set("X-Forwarded-Proto", scheme)
	if t.cfg.Prefix != "" {
		header.Set("X-Forwarded-Prefix", t.cfg.Prefix)
	}
	tracing.InjectHeader(r.Context(), header)

	dialer := *t.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	var (
		conn *websocket.Conn
		resp *http.Response
	)
	err := t.breakers.Get(b.BackendID).Do(func() error {
		var err error
		conn, resp, err = dialer.DialContext(ctx, target.String(), header)
		return err
	})
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(t.cfg.MaxBodySize)
	return conn, resp, nil
}

// rejectUpgrade upgrades the client only to close it with 1011.
func (t *Translator) rejectUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unreachable")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteTimeout))
	t.metrics.RecordWSClose("bridge", "1011")
}
