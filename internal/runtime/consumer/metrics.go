package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/promreg"
)

// Metrics are the handler collectors shared by every pipeline.
type Metrics struct {
	received *prometheus.CounterVec
	success  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	elapsed  *prometheus.HistogramVec
	lag      *prometheus.GaugeVec
}

func newHandlerCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outboxflow",
		Subsystem: "handler",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics registers the handler collectors with reg. A nil registerer keeps
// them private.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	reg = promreg.OrPrivate(reg)
	m := &Metrics{
		received: newHandlerCounterVec("received_total", "Messages received by a consumer pipeline.", "topic"),
		success:  newHandlerCounterVec("success_total", "Messages handled successfully.", "topic"),
		failed:   newHandlerCounterVec("error_total", "Messages that failed decoding or handling.", "topic", "kind"),
		elapsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outboxflow",
			Subsystem: "handler",
			Name:      "time_elapsed_seconds",
			Help:      "Time spent in handler dispatch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outboxflow",
			Subsystem: "handler",
			Name:      "lag_seconds",
			Help:      "Delay between the broker timestamp and consumption.",
		}, []string{"topic", "partition"}),
	}

	var err error
	if m.received, err = promreg.Register(reg, m.received); err != nil {
		return nil, err
	}
	if m.success, err = promreg.Register(reg, m.success); err != nil {
		return nil, err
	}
	if m.failed, err = promreg.Register(reg, m.failed); err != nil {
		return nil, err
	}
	if m.elapsed, err = promreg.Register(reg, m.elapsed); err != nil {
		return nil, err
	}
	if m.lag, err = promreg.Register(reg, m.lag); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordReceived(topic string, n int) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(topic).Add(float64(n))
}

func (m *Metrics) recordSuccess(topic string, n int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.elapsed.WithLabelValues(topic).Observe(elapsed.Seconds())
	m.success.WithLabelValues(topic).Add(float64(n))
}

func (m *Metrics) recordFailure(topic string, n int, err error) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(topic, string(errspkg.Classify(err))).Add(float64(n))
}

func (m *Metrics) recordLag(md Metadata, lag time.Duration) {
	if m == nil {
		return
	}
	m.lag.WithLabelValues(md.Topic, md.partitionLabel()).Set(lag.Seconds())
}
