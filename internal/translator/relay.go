package translator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errRelayDone ends the task group once one side has finished.
var errRelayDone = errors.New("relay done")

type endKind int

const (
	endNone endKind = iota
	endClientClosed
	endBackendClosed
	endClientDropped
	endBackendDropped
	endBackendExited
	endSessionClosed
	endShutdown
	endInternal
)

func (k endKind) String() string {
	switch k {
	case endClientClosed:
		return "client_closed"
	case endBackendClosed:
		return "backend_closed"
	case endClientDropped:
		return "client_dropped"
	case endBackendDropped:
		return "backend_dropped"
	case endBackendExited:
		return "backend_exited"
	case endSessionClosed:
		return "session_closed"
	case endShutdown:
		return "shutdown"
	case endInternal:
		return "internal"
	default:
		return "none"
	}
}

// ending is the first cause that ended a relay.
type ending struct {
	kind   endKind
	code   int
	text   string
	reason string
}

type closeFrame struct {
	send bool
	code int
	text string
}

func sendClose(code int, text string) closeFrame {
	return closeFrame{send: true, code: code, text: text}
}

// closeFrames decides what each side is told when the relay ends. A clean
// close is echoed to its sender by the websocket library, so only the other
// side needs a frame.
func closeFrames(e ending) (toClient, toBackend closeFrame) {
	switch e.kind {
	case endClientClosed:
		toBackend = sendClose(e.code, e.text)
	case endBackendClosed:
		toClient = sendClose(e.code, e.text)
	case endClientDropped:
		toBackend = sendClose(websocket.CloseGoingAway, "client disconnected")
	case endBackendDropped:
		toClient = sendClose(websocket.CloseInternalServerErr, "backend connection lost")
	case endBackendExited:
		toClient = sendClose(websocket.CloseServiceRestart, "backend exited")
	case endSessionClosed:
		if e.reason == bridge.ReasonBackendFailure {
			toClient = sendClose(websocket.CloseServiceRestart, "backend exited")
		} else {
			toClient = sendClose(websocket.CloseGoingAway, "session closed")
		}
		toBackend = sendClose(websocket.CloseGoingAway, "session closed")
	case endShutdown:
		toClient = sendClose(websocket.CloseGoingAway, "bridge shutting down")
		toBackend = sendClose(websocket.CloseGoingAway, "bridge shutting down")
	default:
		toClient = sendClose(websocket.CloseInternalServerErr, "relay failed")
		toBackend = sendClose(websocket.CloseInternalServerErr, "relay failed")
	}
	return toClient, toBackend
}

type relay struct {
	t       *Translator
	b       Binding
	log     *zap.Logger
	client  *websocket.Conn
	backend *websocket.Conn

	readers sync.WaitGroup
	frames  [2]atomic.Int64

	mu  sync.Mutex
	end ending
}

func (r *relay) finish(e ending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end.kind == endNone {
		r.end = e
	}
}

func (r *relay) ending() ending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

func (t *Translator) relay(ctx context.Context, client, backend *websocket.Conn, b Binding, log *zap.Logger) error {
	defer client.Close()
	defer backend.Close()

	t.metrics.IncWSConnections()
	defer t.metrics.DecWSConnections()

	client.SetReadLimit(t.cfg.MaxBodySize)

	r := &relay{t: t, b: b, log: log, client: client, backend: backend}
	r.keepDeadlines(client)
	r.keepDeadlines(backend)

	if t.tracer != nil {
		s, _ := t.tracer.StartSpan(ctx, "ws.relay")
		s.SetTag("session_id", b.SessionID)
		s.SetTag("backend_id", b.BackendID)
		defer func() {
			e := r.ending()
			s.SetTag("end", e.kind.String())
			s.SetTag("frames_in", strconv.FormatInt(r.frames[0].Load(), 10))
			s.SetTag("frames_out", strconv.FormatInt(r.frames[1].Load(), 10))
			s.Finish()
			t.tracer.Submit(s)
		}()
	}

	inbound := make(chan bridge.StreamFrame, t.cfg.QueueSize)
	outbound := make(chan bridge.StreamFrame, t.cfg.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	r.readers.Add(2)
	g.Go(r.safe(func() error { return r.read(gctx, client, inbound, bridge.Inbound) }))
	g.Go(r.safe(func() error { return r.write(gctx, backend, inbound, bridge.Inbound) }))
	g.Go(r.safe(func() error { return r.read(gctx, backend, outbound, bridge.Outbound) }))
	g.Go(r.safe(func() error { return r.write(gctx, client, outbound, bridge.Outbound) }))
	g.Go(r.safe(func() error { return r.watch(ctx, gctx) }))
	if t.cfg.DeadDetect > 0 {
		g.Go(r.safe(func() error { return r.ping(gctx) }))
	}
	g.Go(r.safe(func() error {
		<-gctx.Done()
		r.shutdown(ctx)
		return nil
	}))

	err := g.Wait()
	e := r.ending()
	log.Debug("relay ended",
		zap.String("end", e.kind.String()),
		zap.Int("code", e.code),
		zap.Int64("frames_in", r.frames[0].Load()),
		zap.Int64("frames_out", r.frames[1].Load()),
	)
	if e.kind == endInternal {
		return err
	}
	return nil
}

// keepDeadlines makes a leg count as dropped after DeadDetect without a
// message or pong.
func (r *relay) keepDeadlines(conn *websocket.Conn) {
	dd := r.t.cfg.DeadDetect
	if dd <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(dd))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(dd))
	})
}

func (r *relay) read(ctx context.Context, conn *websocket.Conn, queue chan<- bridge.StreamFrame, dir bridge.Direction) error {
	defer r.readers.Done()
	defer close(queue)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			r.finish(readEnding(dir, err))
			return nil
		}
		if dd := r.t.cfg.DeadDetect; dd > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(dd))
		}

		frame := bridge.StreamFrame{
			SessionID:  r.b.SessionID,
			Direction:  dir,
			Kind:       frameKind(mt),
			Payload:    data,
			ReceivedAt: time.Now(),
		}
		select {
		case queue <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func readEnding(dir bridge.Direction, err error) ending {
	var ce *websocket.CloseError
	clean := errors.As(err, &ce) &&
		ce.Code != websocket.CloseAbnormalClosure &&
		ce.Code != websocket.CloseTLSHandshake
	switch {
	case clean && dir == bridge.Inbound:
		return ending{kind: endClientClosed, code: ce.Code, text: ce.Text}
	case clean:
		return ending{kind: endBackendClosed, code: ce.Code, text: ce.Text}
	case dir == bridge.Inbound:
		return ending{kind: endClientDropped, code: websocket.CloseAbnormalClosure}
	default:
		return ending{kind: endBackendDropped, code: websocket.CloseAbnormalClosure}
	}
}

// write drains queue into conn in order. A closed queue means the source
// side ended, which ends the relay once every queued frame is out.
func (r *relay) write(ctx context.Context, conn *websocket.Conn, queue <-chan bridge.StreamFrame, dir bridge.Direction) error {
	idx := 0
	dropped := endBackendDropped
	if dir == bridge.Outbound {
		idx = 1
		dropped = endClientDropped
	}

	for {
		select {
		case frame, ok := <-queue:
			if !ok {
				return errRelayDone
			}
			_ = conn.SetWriteDeadline(time.Now().Add(r.t.cfg.WriteTimeout))
			if err := conn.WriteMessage(messageType(frame.Kind), frame.Payload); err != nil {
				r.finish(ending{kind: dropped, code: websocket.CloseAbnormalClosure})
				return errRelayDone
			}
			r.frames[idx].Add(1)
			r.t.metrics.RecordWSFrame(string(dir), frame.Kind.String(), frame.Len())
			r.b.touch()
		case <-ctx.Done():
			return nil
		}
	}
}

// watch ends the relay when the backend exits, the session closes or the
// bridge shuts down.
func (r *relay) watch(parent context.Context, ctx context.Context) error {
	select {
	case <-parent.Done():
		r.finish(ending{kind: endShutdown})
	case <-r.b.BackendDone:
		r.finish(ending{kind: endBackendExited})
	case <-r.b.SessionDone:
		r.finish(ending{kind: endSessionClosed, reason: r.b.reason()})
	case <-ctx.Done():
		return nil
	}
	return errRelayDone
}

func (r *relay) ping(ctx context.Context) error {
	ticker := time.NewTicker(r.t.cfg.DeadDetect / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		deadline := time.Now().Add(r.t.cfg.WriteTimeout)
		if err := r.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			r.finish(ending{kind: endClientDropped, code: websocket.CloseAbnormalClosure})
			return errRelayDone
		}
		if err := r.backend.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			r.finish(ending{kind: endBackendDropped, code: websocket.CloseAbnormalClosure})
			return errRelayDone
		}
	}
}

// shutdown sends the close frames, gives readers a moment to see the
// replies, then closes both connections.
func (r *relay) shutdown(parent context.Context) {
	e := r.ending()
	if e.kind == endNone {
		if parent.Err() != nil {
			e = ending{kind: endShutdown}
		} else {
			e = ending{kind: endInternal}
		}
		r.finish(e)
	}
	if e.kind == endBackendDropped {
		e = r.settleDrop(e)
	}

	toClient, toBackend := closeFrames(e)
	deadline := time.Now().Add(r.t.cfg.WriteTimeout)
	if toBackend.send {
		_ = r.backend.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(toBackend.code, toBackend.text), deadline)
	}
	if toClient.send {
		_ = r.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(toClient.code, toClient.text), deadline)
	}

	initiator, code := "bridge", toClient.code
	switch e.kind {
	case endClientClosed:
		initiator, code = "client", e.code
	case endBackendClosed:
		initiator = "backend"
	case endClientDropped:
		initiator, code = "client", websocket.CloseAbnormalClosure
	}
	r.t.metrics.RecordWSClose(initiator, strconv.Itoa(code))

	done := make(chan struct{})
	go func() {
		r.readers.Wait()
		close(done)
	}()
	grace := time.NewTimer(r.t.cfg.CloseGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	}
	r.client.Close()
	r.backend.Close()
}

// settleDrop reports a dropped backend leg as a process exit when the
// process is seen exiting within the close grace. The socket usually breaks
// a moment before the supervisor reaps the process.
func (r *relay) settleDrop(e ending) ending {
	if r.b.BackendDone == nil {
		return e
	}
	grace := time.NewTimer(r.t.cfg.CloseGrace)
	defer grace.Stop()
	select {
	case <-r.b.BackendDone:
	case <-grace.C:
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.end = ending{kind: endBackendExited}
	return r.end
}

func (r *relay) safe(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("relay task panicked", zap.Any("panic", p), zap.Stack("stack"))
				r.finish(ending{kind: endInternal})
				err = fmt.Errorf("relay panic: %v", p)
			}
		}()
		return fn()
	}
}

func frameKind(mt int) bridge.FrameKind {
	if mt == websocket.BinaryMessage {
		return bridge.FrameBinary
	}
	return bridge.FrameText
}

func messageType(k bridge.FrameKind) int {
	if k == bridge.FrameBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
