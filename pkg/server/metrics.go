package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each server owns its
// registry so several servers can run in one process. All methods are
// no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	handshakes        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesRelayed     prometheus.Counter
	broadcastFailures prometheus.Counter
	adminCommands     *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "darkroom_active_connections",
			Help: "Number of authenticated connections",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_handshakes_total",
			Help: "Handshakes by result",
		}, []string{"result"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_frames_received_total",
			Help: "Relay frames received by payload kind",
		}, []string{"kind"}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_frames_relayed_total",
			Help: "Frame deliveries to recipients",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_broadcast_failures_total",
			Help: "Recipients dropped after a failed write",
		}),
		adminCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_admin_commands_total",
			Help: "Admin commands executed",
		}, []string{"command"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "darkroom_broadcast_duration_seconds",
			Help:    "Time to deliver one frame to every recipient",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeConnections,
		m.handshakes,
		m.framesReceived,
		m.framesRelayed,
		m.broadcastFailures,
		m.adminCommands,
		m.broadcastDuration,
	)
	return m
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFramesRelayed(n int) {
	if m == nil {
		return
	}
	m.framesRelayed.Add(float64(n))
}

func (m *Metrics) RecordBroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *Metrics) RecordAdminCommand(command string) {
	if m == nil {
		return
	}
	m.adminCommands.WithLabelValues(command).Inc()
}

func (m *Metrics) ObserveBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(d.Seconds())
}
