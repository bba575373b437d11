package ratelimit

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
	ceiling    prometheus.Gauge
	backoff    prometheus.Gauge
	dispatched prometheus.Counter
	throttled  prometheus.Counter
	failed     prometheus.Counter
}

// newMetrics builds the limiter collectors. A nil registerer keeps them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "queue_depth",
			Help: "Requests waiting for dispatch.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "in_flight",
			Help: "Requests currently executing.",
		}),
		ceiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "concurrency_ceiling",
			Help: "Current adaptive concurrency ceiling.",
		}),
		backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "backoff_seconds",
			Help: "Current inter-dispatch spacing.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "dispatched_total",
			Help: "Requests handed to the transport.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "throttled_total",
			Help: "Responses with status 429.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgate", Subsystem: "upstream", Name: "failed_total",
			Help: "Requests that ended in a terminal failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.inFlight, m.ceiling, m.backoff,
			m.dispatched, m.throttled, m.failed)
	}
	return m
}
