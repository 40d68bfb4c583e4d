package signup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts membership ledger outcomes.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableledger",
			Subsystem: "signup",
			Name:      "outcomes_total",
			Help:      "Membership ledger outcomes by operation.",
		}, []string{"operation", "outcome"}),
	}
}

func (m *Metrics) observe(operation, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}
