package hxstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stream outcomes recorded per slot.
const (
	OutcomeOK          = "ok"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeAborted     = "aborted"
)

// Metrics holds the Prometheus collectors of a Responder. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	slots    *prometheus.CounterVec
	upstream prometheus.Histogram
	inFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		slots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hxstream",
			Name:      "slots_total",
			Help:      "Trailer chunks written, by upstream outcome.",
		}, []string{"slot", "outcome"}),
		upstream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hxstream",
			Name:      "upstream_duration_seconds",
			Help:      "Time spent waiting on the upstream source while a document is held open.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hxstream",
			Name:      "streams_in_flight",
			Help:      "Documents currently being streamed.",
		}),
	}
	reg.MustRegister(m.slots, m.upstream, m.inFlight)
	return m
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) streamFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) observeSlot(slot, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.slots.WithLabelValues(slot, outcome).Inc()
	if outcome != OutcomeAborted {
		m.upstream.Observe(elapsed.Seconds())
	}
}
