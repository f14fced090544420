package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the committed registry directory.
type Metrics struct {
	protocols prometheus.Gauge
	adapters  *prometheus.GaugeVec
	vaults    prometheus.Gauge
	assets    prometheus.Gauge
}

// NewMetrics registers the registry metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		protocols: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "allocator",
			Subsystem: "registry",
			Name:      "protocols",
			Help:      "Registered protocols",
		}),
		adapters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "allocator",
			Subsystem: "registry",
			Name:      "adapters",
			Help:      "Registered adapters per underlying asset",
		}, []string{"asset"}),
		vaults: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "allocator",
			Subsystem: "registry",
			Name:      "vaults",
			Help:      "Vaults known to the registry",
		}),
		assets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "allocator",
			Subsystem: "registry",
			Name:      "supported_assets",
			Help:      "Underlying assets with at least one adapter",
		}),
	}
}
