package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/GriffinCanCode/termbridge/internal/domain/bridge"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/termbridge/internal/infrastructure/tracing"
	"go.uber.org/zap"
)

// ServeHTTP forwards one plain HTTP request to the bound backend.
func (t *Translator) ServeHTTP(w http.ResponseWriter, r *http.Request, b Binding) {
	log := t.logger.With(
		zap.String("session_id", b.SessionID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		tracing.Field(r.Context()),
	)

	body, err := t.bufferBody(w, r)
	if err != nil {
		if errors.Is(err, bridge.ErrPayloadTooLarge) {
			t.fail(w, err, log)
			return
		}
		// client went away mid-upload
		log.Debug("request body read failed", zap.Error(err))
		return
	}

	out := r.Clone(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if len(body) == 0 && r.ContentLength <= 0 {
		out.Body = http.NoBody
	}

	proxy := &httputil.ReverseProxy{
		Rewrite:        t.rewriteRequest(b),
		Transport:      &breakerTransport{base: t.transport, breaker: t.breakers.Get(b.BackendID)},
		FlushInterval:  -1,
		ModifyResponse: t.modifyResponse(r, b),
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			t.proxyError(w, err, log)
		},
		ErrorLog: zap.NewStdLog(t.logger.Named("proxy")),
	}
	proxy.ServeHTTP(w, out)
}

// bufferBody reads the whole request body, bounded by the max body size.
func (t *Translator) bufferBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > t.cfg.MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", bridge.ErrPayloadTooLarge, r.ContentLength)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit %d bytes", bridge.ErrPayloadTooLarge, tooLarge.Limit)
		}
		return nil, err
	}
	return body, nil
}

func (t *Translator) rewriteRequest(b Binding) func(*httputil.ProxyRequest) {
	target := &url.URL{Scheme: "http", Host: b.Addr}
	prefix := t.cfg.Prefix

	return func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		pr.Out.URL.Path = StripPrefix(prefix, pr.In.URL.Path)
		if pr.In.URL.RawPath != "" {
			pr.Out.URL.RawPath = StripPrefix(prefix, pr.In.URL.RawPath)
		} else {
			pr.Out.URL.RawPath = ""
		}
		pr.SetXForwarded()
		if prefix != "" {
			pr.Out.Header.Set("X-Forwarded-Prefix", prefix)
		}
		tracing.InjectHeader(pr.In.Context(), pr.Out.Header)
	}
}

func (t *Translator) modifyResponse(in *http.Request, b Binding) func(*http.Response) error {
	scheme, host := externalOrigin(in)
	rw := &rewriter{
		prefix:       t.cfg.Prefix,
		backendAddr:  b.Addr,
		externalHTTP: scheme + "://" + host,
		externalWS:   wsScheme(scheme) + "://" + host,
		rewriteHTML:  t.cfg.RewriteHTML,
		maxBody:      t.cfg.MaxBodySize,
	}

	return func(resp *http.Response) error {
		b.touch()
		rw.headers(resp.Header)
		if err := rw.body(resp); err != nil {
			return fmt.Errorf("%w: %v", bridge.ErrUpstreamProtocol, err)
		}
		return nil
	}
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}

// proxyError classifies a forwarding failure and answers the client.
func (t *Translator) proxyError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, context.Canceled):
		t.metrics.RecordProxyError("http", "client_abort")
		log.Debug("client aborted request")
		return
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests), isDialError(err):
		err = fmt.Errorf("%w: %v", bridge.ErrBackendUnreachable, err)
	case errors.Is(err, bridge.ErrUpstreamProtocol):
	default:
		err = fmt.Errorf("%w: %v", bridge.ErrUpstreamProtocol, err)
	}
	t.fail(w, err, log)
}

// fail writes the taxonomy status for err as a small JSON body.
func (t *Translator) fail(w http.ResponseWriter, err error, log *zap.Logger) {
	kind := bridge.Kind(err)
	status := bridge.StatusFor(err)
	t.metrics.RecordProxyError("http", kind)
	log.Warn("relay failed", zap.String("kind", kind), zap.Int("status", status), zap.Error(err))

	WriteError(w, status, err)
}

// WriteError writes {"error": ..., "kind": ...} with status.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  bridge.Kind(err),
	})
}

// breakerTransport fails fast while a backend's circuit is open.
type breakerTransport struct {
	base    http.RoundTripper
	breaker *resilience.Breaker
}

func (bt *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := bt.breaker.Do(func() error {
		var err error
		resp, err = bt.base.RoundTrip(req)
		return err
	})
	return resp, err
}
