package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ingestion gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Messages     *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Timeouts     *prometheus.CounterVec
	Faults       *prometheus.CounterVec
	OpenChannels prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_ingestion_messages_total",
			Help: "Equipment messages handled, by test type and outcome",
		}, []string{"test_type", "outcome"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_ingestion_dropped_total",
			Help: "Readings evicted from a full channel buffer",
		}, []string{"test_type"}),
		Timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_ingestion_timeouts_total",
			Help: "Channels that stalled past the equipment timeout",
		}, []string{"test_type"}),
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atsflow_ingestion_faults_total",
			Help: "Equipment fault reports",
		}, []string{"test_type"}),
		OpenChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "atsflow_ingestion_open_channels",
			Help: "Equipment channels currently open",
		}),
	}
}

func (m *Metrics) IncMessage(testType, outcome string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(testType, outcome).Inc()
}

func (m *Metrics) IncDropped(testType string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(testType).Inc()
}

func (m *Metrics) IncTimeout(testType string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(testType).Inc()
}

func (m *Metrics) IncFault(testType string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(testType).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.OpenChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.OpenChannels.Dec()
}
