package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the upload path.
type Metrics struct {
	uploads     *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds the collectors against the given registerer. Pass a
// fresh registry in tests that need isolated counters.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "gateway",
			Name:      "uploads_total",
			Help:      "Upload requests by outcome.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dropwire",
			Subsystem: "gateway",
			Name:      "upload_bytes_total",
			Help:      "Decoded bytes accepted into the object store.",
		}),
	}

	reg.MustRegister(m.uploads, m.uploadBytes)
	return m
}
