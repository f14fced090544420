package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCommitted = "committed"
	outcomeRejected  = "rejected"
	outcomeReverted  = "reverted"
)

// Metrics counts batches by outcome and the calls of committed batches.
type Metrics struct {
	batches  *prometheus.CounterVec
	calls    prometheus.Counter
	duration prometheus.Histogram
}

// NewMetrics registers the gateway metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "allocator",
			Subsystem: "gateway",
			Name:      "batches_total",
			Help:      "Batches by outcome: committed, rejected before dispatch, or reverted by a call",
		}, []string{"outcome"}),
		calls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "allocator",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Calls dispatched as part of committed batches",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "allocator",
			Subsystem: "gateway",
			Name:      "batch_duration_seconds",
			Help:      "Time spent executing a batch",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}
