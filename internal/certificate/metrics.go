package certificate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for certificate issuance. A nil *Metrics is valid and records nothing.
type Metrics struct {
	issued        prometheus.Counter
	failures      *prometheus.CounterVec
	issueDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		issued: f.NewCounter(prometheus.CounterOpts{
			Name: "atsflow_certificates_issued_total",
			Help: "Certificates issued",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_certificate_issuance_failures_total",
			Help: "Issuance attempts that failed after retry, by error code",
		}, []string{"code"}),
		issueDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "atsflow_certificate_issue_duration_seconds",
			Help:    "Duration of certificate issuance including document storage",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveIssued records a successful issuance that started at start.
func (m *Metrics) ObserveIssued(start time.Time) {
	if m == nil {
		return
	}
	m.issued.Inc()
	m.issueDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncFailure(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}
