package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts lifecycle operations by outcome.
type Metrics struct {
	creates   prometheus.Counter
	loads     *prometheus.CounterVec
	deletes   prometheus.Counter
	durations *prometheus.HistogramVec
}

// NewMetrics registers lifecycle metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		creates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "lifecycle",
			Name:      "creates_total",
			Help:      "Vector store creations.",
		}),
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "lifecycle",
			Name:      "loads_total",
			Help:      "Vector store load attempts by outcome.",
		}, []string{"outcome"}),
		deletes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "lifecycle",
			Name:      "deletes_total",
			Help:      "Vector store deletions.",
		}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docqa",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}
