package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// RPC metrics
	RPCRequests  *prometheus.CounterVec
	RPCDuration  *prometheus.HistogramVec
	RPCInbound   *prometheus.CounterVec
	RPCDenied    *prometheus.CounterVec
	RPCPending   prometheus.Gauge
	RPCCallables prometheus.Gauge

	// Sandbox metrics
	SandboxesActive prometheus.Gauge
	SandboxesTotal  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
	WSBytes       *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON health endpoint
type Snapshot struct {
	Requests       int64   `json:"requests"`
	Failures       int64   `json:"failures"`
	Denied         int64   `json:"denied"`
	ActiveSandbox  int64   `json:"active_sandboxes"`
	TotalDuration  float64 `json:"total_duration_seconds"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	AverageLatency float64 `json:"average_latency_seconds"`
}

// NewMetrics creates a metrics collector registered on registry. A nil
// registry gets a fresh one, so several collectors can coexist in tests.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),
		stop:      make(chan struct{}),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// RPC metrics
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_rpc_requests_total",
				Help: "Total number of outbound RPC requests by outcome",
			},
			[]string{"type", "outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_rpc_duration_seconds",
				Help:    "Round trip duration of outbound RPC requests",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"type"},
		),
		RPCInbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_rpc_inbound_total",
				Help: "Total number of inbound RPC messages",
			},
			[]string{"type", "status"},
		),
		RPCDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_rpc_denied_total",
				Help: "Operations refused for lack of permission",
			},
			[]string{"type", "direction"},
		),
		RPCPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_rpc_pending",
				Help: "Requests awaiting a response",
			},
		),
		RPCCallables: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_rpc_callables",
				Help: "Entries in the callable registry",
			},
		),

		// Sandbox metrics
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_active",
				Help: "Number of live sandboxes",
			},
		),
		SandboxesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_created_total",
				Help: "Total number of sandboxes created",
			},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_ws_messages_total",
				Help: "Total number of WebSocket frames",
			},
			[]string{"direction", "compressed"},
		),
		WSBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_ws_bytes_total",
				Help: "Payload bytes carried over WebSocket frames",
			},
			[]string{"direction"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime refreshes the uptime gauge until Close
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// Close stops background updates
func (m *Metrics) Close() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequest records a settled outbound request
func (m *Metrics) RecordRequest(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(kind, outcome).Inc()
	m.RPCDuration.WithLabelValues(kind).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Requests++
	m.snapshot.TotalDuration += duration.Seconds()
	if outcome != OutcomeOK {
		m.snapshot.Failures++
	}
	m.mu.Unlock()
}

// RecordInbound records an inbound message
func (m *Metrics) RecordInbound(kind, status string) {
	if m == nil {
		return
	}
	m.RPCInbound.WithLabelValues(kind, status).Inc()
}

// RecordDenied records an operation refused for lack of permission
func (m *Metrics) RecordDenied(kind, direction string) {
	if m == nil {
		return
	}
	m.RPCDenied.WithLabelValues(kind, direction).Inc()

	m.mu.Lock()
	m.snapshot.Denied++
	m.mu.Unlock()
}

// AddPending adjusts the pending request gauge
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.RPCPending.Add(float64(delta))
}

// AddCallables adjusts the callable registry gauge
func (m *Metrics) AddCallables(delta int) {
	if m == nil {
		return
	}
	m.RPCCallables.Add(float64(delta))
}

// SandboxCreated records a new live sandbox
func (m *Metrics) SandboxCreated() {
	if m == nil {
		return
	}
	m.SandboxesTotal.Inc()
	m.SandboxesActive.Inc()

	m.mu.Lock()
	m.snapshot.ActiveSandbox++
	m.mu.Unlock()
}

// SandboxDestroyed records a sandbox teardown
func (m *Metrics) SandboxDestroyed() {
	if m == nil {
		return
	}
	m.SandboxesActive.Dec()

	m.mu.Lock()
	m.snapshot.ActiveSandbox--
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket frame
func (m *Metrics) RecordWSMessage(direction string, size int, compressed bool) {
	if m == nil {
		return
	}
	flag := "false"
	if compressed {
		flag = "true"
	}
	m.WSMessages.WithLabelValues(direction, flag).Inc()
	m.WSBytes.WithLabelValues(direction).Add(float64(size))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Snapshot returns the current summary values
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	if s.Requests > 0 {
		s.AverageLatency = s.TotalDuration / float64(s.Requests)
	}
	return s
}

// Request outcomes
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
)
