package eventd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's prometheus collectors.
type Metrics struct {
	events        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	publishErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventd_events_total",
				Help: "Queue directory events handled, by result",
			},
			[]string{"result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventd_notifications_published_total",
				Help: "Job notifications published, by job status",
			},
			[]string{"status"},
		),
		publishErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventd_publish_errors_total",
				Help: "Job notifications dropped because publishing failed",
			},
		),
	}
	reg.MustRegister(m.events, m.notifications, m.publishErrors)
	return m
}

func (m *Metrics) event(result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(result).Inc()
}

func (m *Metrics) published(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) publishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}
