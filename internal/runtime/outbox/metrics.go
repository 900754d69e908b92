package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/outboxflow/internal/runtime/promreg"
)

// RelayMetrics are the Prometheus collectors updated by the relay.
type RelayMetrics struct {
	relayed  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	duration prometheus.Histogram
	pending  prometheus.Gauge
}

// NewRelayMetrics registers the relay collectors with reg. A nil registerer
// keeps them in a private registry so nothing leaks into the default one.
func NewRelayMetrics(reg prometheus.Registerer) (*RelayMetrics, error) {
	reg = promreg.OrPrivate(reg)
	m := &RelayMetrics{
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outboxflow",
			Subsystem: "relay",
			Name:      "rows_relayed_total",
			Help:      "Outbox rows published to the broker and deleted.",
		}, []string{"topic"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outboxflow",
			Subsystem: "relay",
			Name:      "rows_failed_total",
			Help:      "Outbox rows left in place after a failed publish.",
		}, []string{"topic"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outboxflow",
			Subsystem: "relay",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of relay cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "outboxflow",
			Subsystem: "relay",
			Name:      "pending_rows",
			Help:      "Rows waiting in the outbox after the last cycle.",
		}),
	}

	var err error
	if m.relayed, err = promreg.Register(reg, m.relayed); err != nil {
		return nil, err
	}
	if m.failed, err = promreg.Register(reg, m.failed); err != nil {
		return nil, err
	}
	if m.duration, err = promreg.Register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.pending, err = promreg.Register(reg, m.pending); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RelayMetrics) recordRelayed(topic string, n int) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(topic).Add(float64(n))
}

func (m *RelayMetrics) recordFailed(topic string, n int) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(topic).Add(float64(n))
}

func (m *RelayMetrics) recordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

func (m *RelayMetrics) setPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
