package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts applied notifications.
type Metrics struct {
	notifications *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_notifications_total",
				Help: "Job notifications handled by the reconciler, by outcome and job status",
			},
			[]string{"outcome", "status"},
		),
	}
	reg.MustRegister(m.notifications)
	return m
}

func (m *Metrics) observe(outcome Outcome, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(outcome), status).Inc()
}
