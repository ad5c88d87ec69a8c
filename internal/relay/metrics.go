package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting relay activity. Dispatch
// failures are invisible to the original uploader, so these counters are the
// only place they surface.
type Metrics struct {
	dispatches       *prometheus.CounterVec
	eventsRead       *prometheus.CounterVec
	retries          prometheus.Counter
	deadLetters      prometheus.Counter
	expiredIterators prometheus.Counter
	activeShards     prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level instance registered with the
// global registry. Created once so repeated relay construction (tests,
// restarts) never panics on duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds the collectors against the given registerer. Pass a
// fresh registry in tests that need isolated counters; registration errors
// panic, matching promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "relay",
			Name:      "dispatches_total",
			Help:      "Dispatch outcomes after the full retry schedule.",
		}, []string{"result"}),
		eventsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "relay",
			Name:      "events_read_total",
			Help:      "Change events read from the log, by event type.",
		}, []string{"type"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "relay",
			Name:      "dispatch_retries_total",
			Help:      "Individual failed dispatch attempts that were retried.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "relay",
			Name:      "dead_letters_total",
			Help:      "Batches abandoned to the dead-letter journal.",
		}),
		expiredIterators: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "relay",
			Name:      "expired_iterators_total",
			Help:      "Iterator reseeds forced by retention expiry.",
		}),
		activeShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dropwire",
			Subsystem: "relay",
			Name:      "active_shards",
			Help:      "Shard pollers currently running.",
		}),
	}

	reg.MustRegister(m.dispatches, m.eventsRead, m.retries, m.deadLetters,
		m.expiredIterators, m.activeShards)
	return m
}
