package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-vault collectors. Every collector carries a constant
// "vault" label so several vaults can share one registerer.
type Metrics struct {
	deposits          prometheus.Counter
	withdrawals       prometheus.Counter
	rebalances        prometheus.Counter
	feeClaims         prometheus.Counter
	skippedDeposits   prometheus.Counter
	removedAdapters   prometheus.Counter
	rebalanceDuration prometheus.Histogram
}

// NewMetrics registers the metrics of the vault at address with reg.
func NewMetrics(reg prometheus.Registerer, address common.Address) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"vault": address.Hex()}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "allocator",
			Subsystem:   "vault",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &Metrics{
		deposits:        counter("deposits_total", "Committed deposits"),
		withdrawals:     counter("withdrawals_total", "Committed withdrawals"),
		rebalances:      counter("rebalances_total", "Committed rebalances"),
		feeClaims:       counter("fee_claims_total", "Fee claims that minted shares"),
		skippedDeposits: counter("skipped_deposits_total", "Rebalance deposits skipped for lack of funds"),
		removedAdapters: counter("removed_adapters_total", "Adapters dropped from the allocation list"),
		rebalanceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "allocator",
			Subsystem:   "vault",
			Name:        "rebalance_duration_seconds",
			Help:        "Time spent executing a rebalance, committed or not",
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			ConstLabels: labels,
		}),
	}
}
