package honor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	writeCreated  = "created"
	writeExisting = "existing"
	writeRemoved  = "removed"
)

// Metrics counts ledger writes by reason and result.
type Metrics struct {
	writes *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableledger",
			Subsystem: "ledger",
			Name:      "writes_total",
			Help:      "Honor ledger writes by reason and result (created, existing, removed).",
		}, []string{"reason", "result"}),
	}
}

func (m *Metrics) observe(reason Reason, result string) {
	if m == nil || m.writes == nil {
		return
	}
	m.writes.WithLabelValues(reason.String(), result).Inc()
}
