package txretry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess   = "success"
	resultTransient = "transient"
	resultPermanent = "permanent"
	resultExhausted = "exhausted"
)

// Metrics counts transactional attempts by operation and result.
type Metrics struct {
	attempts *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableledger",
			Subsystem: "tx",
			Name:      "attempts_total",
			Help:      "Transactional attempts by operation and result.",
		}, []string{"operation", "result"}),
	}
}

func (m *Metrics) observe(operation, result string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(operation, result).Inc()
}
