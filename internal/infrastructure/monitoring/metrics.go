package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProxyErrors     *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSFrames      *prometheus.CounterVec
	WSBytes       *prometheus.CounterVec
	WSCloseCodes  *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  *prometheus.CounterVec

	// Backend metrics
	BackendSpawns   *prometheus.CounterVec
	BackendExits    *prometheus.CounterVec
	BackendState    *prometheus.GaugeVec
	OperationTiming *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON admin API
type Snapshot struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalErrors    int64 `json:"total_errors"`
	ActiveSessions int64 `json:"active_sessions"`
	ActiveRelays   int64 `json:"active_relays"`
	Spawns         int64 `json:"spawns"`
	UnexpectedExit int64 `json:"unexpected_exits"`
}

// NewMetrics creates a metrics collector registered on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_http_requests_total",
				Help: "Total number of proxied HTTP requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termbridge_http_request_duration_seconds",
				Help:    "Proxied HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		ProxyErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_proxy_errors_total",
				Help: "Relay errors by kind",
			},
			[]string{"path", "kind"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termbridge_ws_connections",
				Help: "Number of active WebSocket relays",
			},
		),
		WSFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_ws_frames_total",
				Help: "Total number of relayed WebSocket messages",
			},
			[]string{"direction", "type"},
		),
		WSBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_ws_bytes_total",
				Help: "Total relayed WebSocket payload bytes",
			},
			[]string{"direction"},
		),
		WSCloseCodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_ws_close_total",
				Help: "WebSocket relay terminations by initiator and close code",
			},
			[]string{"initiator", "code"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termbridge_sessions_active",
				Help: "Number of open sessions",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termbridge_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_sessions_closed_total",
				Help: "Total number of sessions closed by reason",
			},
			[]string{"reason"},
		),

		BackendSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_backend_spawns_total",
				Help: "Backend spawn attempts by outcome",
			},
			[]string{"outcome"},
		),
		BackendExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termbridge_backend_exits_total",
				Help: "Backend process exits",
			},
			[]string{"expected"},
		),
		BackendState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "termbridge_backend_state",
				Help: "1 for the current state of each supervised backend",
			},
			[]string{"state"},
		),
		OperationTiming: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termbridge_operation_duration_seconds",
				Help:    "Duration of internal operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
			},
			[]string{"component", "operation", "status"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "termbridge_uptime_seconds",
			Help: "Bridge uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the Prometheus exposition handler for this collector.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records a proxied HTTP request
func (m *Metrics) RecordHTTPRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordProxyError records a relay error; path is "http" or "ws".
func (m *Metrics) RecordProxyError(path, kind string) {
	if m == nil {
		return
	}
	m.ProxyErrors.WithLabelValues(path, kind).Inc()
}

// RecordWSFrame records a relayed WebSocket message
func (m *Metrics) RecordWSFrame(direction, msgType string, size int) {
	if m == nil {
		return
	}
	m.WSFrames.WithLabelValues(direction, msgType).Inc()
	m.WSBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordWSClose records how a relay ended
func (m *Metrics) RecordWSClose(initiator, code string) {
	if m == nil {
		return
	}
	m.WSCloseCodes.WithLabelValues(initiator, code).Inc()
}

// IncWSConnections increments WebSocket relays
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveRelays++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket relays
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveRelays--
	m.mu.Unlock()
}

// SessionCreated records a new session
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
	m.mu.Lock()
	m.snapshot.ActiveSessions++
	m.mu.Unlock()
}

// SessionClosed records a session teardown
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
	m.mu.Lock()
	m.snapshot.ActiveSessions--
	m.mu.Unlock()
}

// RecordSpawn records a backend spawn attempt
func (m *Metrics) RecordSpawn(outcome string) {
	if m == nil {
		return
	}
	m.BackendSpawns.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.mu.Lock()
		m.snapshot.Spawns++
		m.mu.Unlock()
	}
}

// RecordExit records a backend exit
func (m *Metrics) RecordExit(expected bool) {
	if m == nil {
		return
	}
	label := "false"
	if expected {
		label = "true"
	}
	m.BackendExits.WithLabelValues(label).Inc()
	if !expected {
		m.mu.Lock()
		m.snapshot.UnexpectedExit++
		m.mu.Unlock()
	}
}

// SetBackendState moves a backend between state gauges
func (m *Metrics) SetBackendState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.BackendState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.BackendState.WithLabelValues(to).Inc()
	}
}

// Snapshot returns a copy of the JSON-friendly counters
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
