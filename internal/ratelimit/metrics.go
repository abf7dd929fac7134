package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	rejected   prometheus.Counter
	storeError prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "atsflow_ratelimit_rejected_total",
			Help: "Equipment requests rejected by the ingestion rate limit",
		}),
		storeError: f.NewCounter(prometheus.CounterOpts{
			Name: "atsflow_ratelimit_store_errors_total",
			Help: "Rate limit checks that failed open because the store errored",
		}),
	}
}

func (m *Metrics) IncRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) IncStoreError() {
	if m == nil {
		return
	}
	m.storeError.Inc()
}
