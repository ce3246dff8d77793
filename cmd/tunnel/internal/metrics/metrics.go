// Package metrics provides Prometheus instrumentation for the tunnel.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection outcomes used as the "outcome" label.
const (
	OutcomeEOF            = "eof"
	OutcomeError          = "error"
	OutcomeHandshakeError = "handshake_error"
)

// Metrics holds the tunnel's collectors. Each instance registers into its own
// registerer so tests can build as many as they need. A nil *Metrics is a no-op.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	HandshakeDuration prometheus.Histogram
	SessionDuration   prometheus.Histogram
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
	ProxyHeaders      *prometheus.CounterVec

	totals totals
}

// totals mirrors the counters for the /stats endpoint.
type totals struct {
	active         atomic.Int64
	eof            atomic.Uint64
	errors         atomic.Uint64
	handshakeFails atomic.Uint64
	read           atomic.Uint64
	written        atomic.Uint64
}

// Snapshot is a point-in-time JSON view of the tunnel counters.
type Snapshot struct {
	ActiveSessions int64             `json:"active_sessions"`
	Connections    map[string]uint64 `json:"connections"`
	BytesRead      uint64            `json:"bytes_read"`
	BytesWritten   uint64            `json:"bytes_written"`
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xtls_tunnel",
			Name:      "connections_total",
			Help:      "Connections by terminal outcome",
		}, []string{"outcome"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "xtls_tunnel",
			Name:      "active_sessions",
			Help:      "Connections currently being handled",
		}),
		HandshakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xtls_tunnel",
			Name:      "handshake_duration_seconds",
			Help:      "TLS handshake duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xtls_tunnel",
			Name:      "session_duration_seconds",
			Help:      "Established session lifetime in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "xtls_tunnel",
			Name:      "bytes_read_total",
			Help:      "Plaintext bytes read from clients",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "xtls_tunnel",
			Name:      "bytes_written_total",
			Help:      "Plaintext bytes written to clients",
		}),
		ProxyHeaders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xtls_tunnel",
			Name:      "proxy_headers_total",
			Help:      "PROXY protocol headers emitted by address family",
		}, []string{"family"}),
	}
}

// SessionStarted marks a connection as active.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.totals.active.Add(1)
}

// SessionFinished records the terminal outcome of a connection.
func (m *Metrics) SessionFinished(outcome string, read, written uint64, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	m.BytesRead.Add(float64(read))
	m.BytesWritten.Add(float64(written))

	m.totals.active.Add(-1)
	m.totals.read.Add(read)
	m.totals.written.Add(written)
	switch outcome {
	case OutcomeEOF:
		m.totals.eof.Add(1)
	case OutcomeHandshakeError:
		m.totals.handshakeFails.Add(1)
	default:
		m.totals.errors.Add(1)
	}
	if outcome != OutcomeHandshakeError {
		m.SessionDuration.Observe(lifetime.Seconds())
	}
}

// ObserveHandshake records how long a handshake took.
func (m *Metrics) ObserveHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(d.Seconds())
}

// ProxyHeaderSent counts one emitted header.
func (m *Metrics) ProxyHeaderSent(family string) {
	if m == nil {
		return
	}
	m.ProxyHeaders.WithLabelValues(family).Inc()
}

// Snapshot returns the current totals. A nil *Metrics yields zeros.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Connections: map[string]uint64{
		OutcomeEOF:            0,
		OutcomeError:          0,
		OutcomeHandshakeError: 0,
	}}
	if m == nil {
		return snap
	}
	snap.ActiveSessions = m.totals.active.Load()
	snap.Connections[OutcomeEOF] = m.totals.eof.Load()
	snap.Connections[OutcomeError] = m.totals.errors.Load()
	snap.Connections[OutcomeHandshakeError] = m.totals.handshakeFails.Load()
	snap.BytesRead = m.totals.read.Load()
	snap.BytesWritten = m.totals.written.Load()
	return snap
}
