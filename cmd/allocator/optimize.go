package main

import (
	"context"
	"fmt"

	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/gateway"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/defistate/yield-allocator-go/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// maxSplit bounds the number of top-ranked adapters an even split spreads over.
const maxSplit = 4

type candidate struct {
	adapters []common.Address
	weights  []*uint256.Int
	netYield *uint256.Int
}

// optimize scores candidate allocations for every vault and submits one
// batch that moves each vault to its best candidate.
func (s *simulation) optimize(ctx context.Context, names []string) error {
	targets := make([]common.Address, len(names))
	calls := make([][]byte, len(names))
	for i, name := range names {
		v := s.vaults[name]
		best, changed, err := s.bestCandidate(v)
		if err != nil {
			return fmt.Errorf("vault %s: %w", name, err)
		}
		targets[i] = v.Address()
		if !changed {
			calls[i], err = gateway.EncodeRebalance()
		} else {
			calls[i], err = gateway.EncodeRebalanceWithNewAdapters(best.adapters, best.weights)
		}
		if err != nil {
			return err
		}
		s.logger.Info("Allocation chosen",
			"vault", name,
			"changed", changed,
			"adapters", len(best.adapters),
			"net_yield", fixedpoint.Format(best.netYield),
		)
	}
	return s.gateway.Execute(ctx, ledger.External(s.cfg.Gateway.Keeper), targets, calls)
}

// bestCandidate compares the current allocation with the best adapter for
// the idle balance and with even splits over the top-ranked adapters.
func (s *simulation) bestCandidate(v *vault.Vault) (candidate, bool, error) {
	current := candidate{}
	for _, a := range v.Allocations() {
		current.adapters = append(current.adapters, a.Adapter)
		current.weights = append(current.weights, a.Weight)
	}
	var err error
	if current.netYield, err = v.NetYield(); err != nil {
		return candidate{}, false, err
	}

	var lists [][]common.Address
	if best, _ := s.registry.BestAdapterForDeposit(v.Asset(), v.Idle(), common.Address{}); best != (common.Address{}) {
		lists = append(lists, []common.Address{best})
	}
	ranked, _, err := s.registry.AdaptersRankedByYield(v.Asset())
	if err != nil {
		return candidate{}, false, err
	}
	for k := 2; k <= len(ranked) && k <= maxSplit; k++ {
		lists = append(lists, ranked[:k])
	}

	best, changed := current, false
	for _, adapters := range lists {
		weights := evenWeights(len(adapters))
		net, err := v.HypotheticalNetYield(adapters, weights)
		if err != nil {
			return candidate{}, false, err
		}
		if net.Gt(best.netYield) {
			best = candidate{adapters: adapters, weights: weights, netYield: net}
			changed = true
		}
	}
	return best, changed, nil
}

// evenWeights splits one unit n ways, the rounding remainder going to the
// first entry so the weights sum to exactly one.
func evenWeights(n int) []*uint256.Int {
	share := new(uint256.Int).Div(fixedpoint.One(), uint256.NewInt(uint64(n)))
	weights := make([]*uint256.Int, n)
	for i := range weights {
		weights[i] = new(uint256.Int).Set(share)
	}
	rest := new(uint256.Int).Mul(share, uint256.NewInt(uint64(n)))
	rest.Sub(fixedpoint.One(), rest)
	weights[0].Add(weights[0], rest)
	return weights
}
