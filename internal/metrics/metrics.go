package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all relay counters
type Metrics struct {
	// Frame reader
	FramesRead    atomic.Uint64
	FramesCorrupt atomic.Uint64
	ReadErrors    atomic.Uint64

	// Hub
	FramesPublished atomic.Uint64
	FramesSkipped   atomic.Uint64 // frames a lagging subscriber never saw
	HubRetained     atomic.Uint64
	HubCapacity     atomic.Uint64

	// Viewers
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64
	BytesSent     atomic.Uint64

	// Source lifecycle
	SourceRunning atomic.Uint64 // 0 = terminated, 1 = running
	StallKills    atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gauge struct {
	name string
	help string
	v    *atomic.Uint64
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"mjpeg_frames_read_total", "Frames decoded from the transcoder output", &m.FramesRead},
		{"mjpeg_frames_corrupt_total", "Malformed multipart units discarded by the reader", &m.FramesCorrupt},
		{"mjpeg_read_errors_total", "Fatal transcoder stream errors", &m.ReadErrors},
		{"mjpeg_frames_published_total", "Frames published into the hub", &m.FramesPublished},
		{"mjpeg_frames_skipped_total", "Frames skipped by lagging subscribers", &m.FramesSkipped},
		{"mjpeg_hub_retained_frames", "Frames currently retained by the hub ring", &m.HubRetained},
		{"mjpeg_hub_capacity_frames", "Hub ring capacity in frames", &m.HubCapacity},
		{"mjpeg_active_clients", "Number of connected viewers", &m.ActiveClients},
		{"mjpeg_total_clients", "Total viewers connected since start", &m.TotalClients},
		{"mjpeg_bytes_sent_total", "Bytes written to viewers", &m.BytesSent},
		{"mjpeg_source_running", "Transcoder running (0=terminated, 1=running)", &m.SourceRunning},
		{"mjpeg_stall_kills_total", "Transcoders killed by the stall watchdog", &m.StallKills},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ClientConnected records a new viewer.
func (m *Metrics) ClientConnected() {
	m.ActiveClients.Add(1)
	m.TotalClients.Add(1)
}

// ClientDisconnected records a viewer leaving.
func (m *Metrics) ClientDisconnected() {
	m.ActiveClients.Add(^uint64(0))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
