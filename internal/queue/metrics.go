package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a Queue. A nil *Metrics records nothing.
type Metrics struct {
	Enqueued *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Executed *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Runners  *prometheus.GaugeVec
}

// NewMetrics registers the queue collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ews",
			Subsystem: "queue",
			Name:      "operations_enqueued_total",
			Help:      "Operations accepted by the queue.",
		}, []string{"operation"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ews",
			Subsystem: "queue",
			Name:      "operations_rejected_total",
			Help:      "Operations refused because the queue was stopped.",
		}, []string{"operation"}),
		Executed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ews",
			Subsystem: "queue",
			Name:      "operations_executed_total",
			Help:      "Operations executed by a runner.",
		}, []string{"operation"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ews",
			Subsystem: "queue",
			Name:      "operation_duration_seconds",
			Help:      "Wall time spent executing an operation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		Runners: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ews",
			Subsystem: "queue",
			Name:      "runners",
			Help:      "Runners by state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) enqueued(op string) {
	if m == nil {
		return
	}
	m.Enqueued.WithLabelValues(op).Inc()
}

func (m *Metrics) rejected(op string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(op).Inc()
}

func (m *Metrics) observe(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executed.WithLabelValues(op).Inc()
	m.Duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) runnerAdded() {
	if m == nil {
		return
	}
	m.Runners.WithLabelValues(StatePending.String()).Inc()
}

func (m *Metrics) runnerTransition(from, to State) {
	if m == nil || from == to {
		return
	}
	m.Runners.WithLabelValues(from.String()).Dec()
	m.Runners.WithLabelValues(to.String()).Inc()
}
