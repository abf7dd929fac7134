package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the session state machine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	MutationDuration  *prometheus.HistogramVec
	MutationFailures  *prometheus.CounterVec
	LockWaitDuration  prometheus.Histogram
	SessionsCreated   prometheus.Counter
	SubResultsDecided *prometheus.CounterVec
}

// New registers the session metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_session_transitions_total",
			Help: "Committed session status transitions",
		}, []string{"from", "to"}),
		MutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atsflow_session_mutation_duration_seconds",
			Help:    "Duration of serialized session mutations including the audit write",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		MutationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_session_mutation_failures_total",
			Help: "Session mutations rejected or rolled back, by error code",
		}, []string{"operation", "code"}),
		LockWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "atsflow_session_lock_wait_seconds",
			Help:    "Time spent waiting for the per-session writer lock",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "atsflow_sessions_created_total",
			Help: "Test sessions scheduled",
		}),
		SubResultsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_sub_results_total",
			Help: "Sub-results reaching a decided status, by test type and status",
		}, []string{"test_type", "status"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveMutation records the duration of a mutation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveMutation(op string, start time.Time) {
	if m == nil {
		return
	}
	m.MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncMutationFailure(op, code string) {
	if m == nil {
		return
	}
	m.MutationFailures.WithLabelValues(op, code).Inc()
}

func (m *Metrics) ObserveLockWait(start time.Time) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncSessionsCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) IncSubResult(testType, status string) {
	if m == nil {
		return
	}
	m.SubResultsDecided.WithLabelValues(testType, status).Inc()
}
