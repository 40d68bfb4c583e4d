package decay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks decay batch progress.
type Metrics struct {
	applied      prometheus.Counter
	failedChunks prometheus.Counter
}

// NewMetrics builds the collectors and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		applied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tableledger",
			Subsystem: "decay",
			Name:      "applied_total",
			Help:      "Inactivity decay entries inserted.",
		}),
		failedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tableledger",
			Subsystem: "decay",
			Name:      "refresh_failed_chunks_total",
			Help:      "Cached total refresh chunks that failed during decay runs.",
		}),
	}
}

func (m *Metrics) observeApplied(count int) {
	if m == nil || m.applied == nil || count <= 0 {
		return
	}
	m.applied.Add(float64(count))
}

func (m *Metrics) observeFailedChunk() {
	if m == nil || m.failedChunks == nil {
		return
	}
	m.failedChunks.Inc()
}
