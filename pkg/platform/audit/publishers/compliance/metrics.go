package compliance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the audit recorder. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsEmitted   prometheus.Counter
	persistFailures prometheus.Counter
	persistDuration prometheus.Histogram
}

// NewMetrics registers the recorder metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "atsflow_audit_records_total",
			Help: "Audit records durably appended",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "atsflow_audit_persist_failures_total",
			Help: "Audit appends that failed; each aborted a state change",
		}),
		persistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "atsflow_audit_persist_duration_seconds",
			Help:    "Latency of synchronous audit appends",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) AddEventsEmitted(n int) {
	if m == nil {
		return
	}
	m.eventsEmitted.Add(float64(n))
}

func (m *Metrics) IncPersistFailures() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) ObservePersistDuration(seconds float64) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(seconds)
}
