// Package metrics holds the Prometheus collectors of the asset service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "assetstore"

type Metrics struct {
	ChunksUploaded  prometheus.Counter
	ChunkBytes      prometheus.Counter
	ChunksReaped    prometheus.Counter
	AssetsCommitted prometheus.Counter
	CommitFailures  *prometheus.CounterVec
	AssetsDeleted   prometheus.Counter
	Deliveries      *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_uploaded_total",
			Help:      "Chunks accepted by upload.",
		}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes accepted by upload.",
		}),
		ChunksReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_reaped_total",
			Help:      "Uncommitted chunks removed after the retention window.",
		}),
		AssetsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_committed_total",
			Help:      "Assets assembled by a successful commit.",
		}),
		CommitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Rejected commits by reason.",
		}, []string{"reason"}),
		AssetsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_deleted_total",
			Help:      "Assets deleted by their owner.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_responses_total",
			Help:      "Delivery responses by phase and outcome.",
		}, []string{"phase", "outcome"}),
	}

	registerer.MustRegister(
		m.ChunksUploaded,
		m.ChunkBytes,
		m.ChunksReaped,
		m.AssetsCommitted,
		m.CommitFailures,
		m.AssetsDeleted,
		m.Deliveries,
	)
	return m
}

func (m *Metrics) ChunkUploaded(size int) {
	if m == nil {
		return
	}
	m.ChunksUploaded.Inc()
	m.ChunkBytes.Add(float64(size))
}

func (m *Metrics) Reaped(count int) {
	if m == nil {
		return
	}
	m.ChunksReaped.Add(float64(count))
}

func (m *Metrics) Committed() {
	if m == nil {
		return
	}
	m.AssetsCommitted.Inc()
}

func (m *Metrics) CommitFailed(reason string) {
	if m == nil {
		return
	}
	m.CommitFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Deleted() {
	if m == nil {
		return
	}
	m.AssetsDeleted.Inc()
}

func (m *Metrics) Delivered(phase, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(phase, outcome).Inc()
}
