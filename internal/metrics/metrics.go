// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server updates. Register once at
// startup; all fields are safe for concurrent use.
type Metrics struct {
	Connections      prometheus.Gauge
	Participants     *prometheus.GaugeVec
	EditsAccepted    prometheus.Counter
	EditsRejected    *prometheus.CounterVec
	SectionsStreamed prometheus.Counter
	SectionsFlushed  prometheus.Counter
	FlushFailures    prometheus.Counter
	BroadcastBytes   prometheus.Counter
	HandshakeErrors  *prometheus.CounterVec
}

// New builds and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepforge", Name: "open_connections",
			Help: "Websocket connections currently open.",
		}),
		Participants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deepforge", Name: "participants",
			Help: "Admitted participants per world.",
		}, []string{"world"}),
		EditsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "edits_accepted_total",
			Help: "Block edits accepted by the arbiter.",
		}),
		EditsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "edits_rejected_total",
			Help: "Block edits rejected, by reason.",
		}, []string{"reason"}),
		SectionsStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "sections_streamed_total",
			Help: "SECTION_DATA frames sent.",
		}),
		SectionsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "sections_flushed_total",
			Help: "Dirty sections persisted.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "flush_failures_total",
			Help: "Persistence batches that failed and will retry.",
		}),
		BroadcastBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "broadcast_bytes_total",
			Help: "Bytes written by snapshot and event broadcasts.",
		}),
		HandshakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepforge", Name: "handshake_errors_total",
			Help: "Handshakes rejected, by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.Connections, m.Participants, m.EditsAccepted, m.EditsRejected,
		m.SectionsStreamed, m.SectionsFlushed, m.FlushFailures,
		m.BroadcastBytes, m.HandshakeErrors,
	)
	return m
}

// NewNop returns metrics backed by an unregistered registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
