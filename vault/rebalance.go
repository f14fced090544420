package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/defistate/yield-allocator-go/adapter"
	"github.com/defistate/yield-allocator-go/collection"
	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Report describes one executed rebalance. Slices are parallel to Adapters,
// the allocation list the rebalance ran against.
type Report struct {
	Adapters      []common.Address
	Weights       []*uint256.Int
	Balances      []*uint256.Int
	Deltas        []*big.Int
	Distributable *uint256.Int
	NetYield      *uint256.Int
	Withdrawn     []*uint256.Int
	Deposited     []*uint256.Int
	// SkippedDeposits counts positive deltas left unfunded because the
	// withdrawn funds and idle reserve were exhausted.
	SkippedDeposits int
}

// TotalWithdrawn sums the withdrawals of the report.
func (r *Report) TotalWithdrawn() *uint256.Int { return sum(r.Withdrawn) }

// TotalDeposited sums the deposits of the report.
func (r *Report) TotalDeposited() *uint256.Int { return sum(r.Deposited) }

func sum(values []*uint256.Int) *uint256.Int {
	total := new(uint256.Int)
	for _, v := range values {
		total.Add(total, v)
	}
	return total
}

// plan is the distribution of the vault's value over a candidate allocation
// list. Zero addresses are padding: no balance, no target, no yield.
type plan struct {
	reserveRatio  *uint256.Int
	addrs         []common.Address
	adapters      []adapter.Adapter
	weights       []*uint256.Int
	balances      []*uint256.Int
	idle          *uint256.Int
	total         *uint256.Int
	distributable *uint256.Int
	deltas        []*big.Int
}

func (v *Vault) newPlan(addrs []common.Address, weights []*uint256.Int) (*plan, error) {
	if len(addrs) != len(weights) {
		return nil, fmt.Errorf("%w: %d adapters and %d weights", ErrLengthMismatch, len(addrs), len(weights))
	}
	st := v.view()
	p := &plan{
		reserveRatio: st.reserveRatio,
		addrs:        addrs,
		adapters:     make([]adapter.Adapter, len(addrs)),
		weights:      weights,
		balances:     make([]*uint256.Int, len(addrs)),
		deltas:       make([]*big.Int, len(addrs)),
		idle:         v.Idle(),
	}

	// value held by allocated adapters missing from the candidate list still
	// counts towards the total
	total := new(uint256.Int).Set(p.idle)
	listed := make(map[common.Address]bool, len(addrs))
	for i, addr := range addrs {
		p.balances[i] = new(uint256.Int)
		if addr == (common.Address{}) {
			continue
		}
		a, err := v.resolve(addr)
		if err != nil {
			return nil, err
		}
		p.adapters[i] = a
		if !listed[addr] {
			p.balances[i] = a.BalanceUnderlying(v.address)
			total.Add(total, p.balances[i])
		}
		listed[addr] = true
	}
	for _, alloc := range st.allocations {
		if listed[alloc.Adapter] {
			continue
		}
		if a, ok := v.handle(alloc.Adapter); ok {
			total.Add(total, a.BalanceUnderlying(v.address))
		}
	}
	p.total = total

	reserve, err := fixedpoint.MulFrac(total, st.reserveRatio)
	if err != nil {
		return nil, err
	}
	p.distributable = new(uint256.Int).Sub(total, reserve)

	for i := range addrs {
		p.deltas[i] = new(big.Int)
		if p.adapters[i] == nil {
			continue
		}
		target, err := fixedpoint.MulFrac(p.distributable, weights[i])
		if err != nil {
			return nil, err
		}
		p.deltas[i].Sub(target.ToBig(), p.balances[i].ToBig())
	}
	return p, nil
}

// netYield is sum(weight_i * hypotheticalYield_i(delta_i)) scaled by the
// share of value that is not held back as reserve.
func (p *plan) netYield() (*uint256.Int, error) {
	blended := new(uint256.Int)
	for i, a := range p.adapters {
		if a == nil || p.weights[i].IsZero() {
			continue
		}
		weighted, err := fixedpoint.MulFrac(a.HypotheticalYield(new(big.Int).Set(p.deltas[i])), p.weights[i])
		if err != nil {
			return nil, err
		}
		blended.Add(blended, weighted)
	}
	productive, err := fixedpoint.Complement(p.reserveRatio)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulFrac(blended, productive)
}

func (v *Vault) resolve(addr common.Address) (adapter.Adapter, error) {
	if a, ok := v.handle(addr); ok {
		return a, nil
	}
	a, ok := v.registry.Adapter(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, addr)
	}
	return a, nil
}

func (v *Vault) currentPlan() (*plan, error) {
	addrs, weights := v.split()
	return v.newPlan(addrs, weights)
}

// CurrentDistribution returns each allocated adapter's underlying balance and
// the value available for distribution once the reserve is held back.
func (v *Vault) CurrentDistribution() ([]*uint256.Int, *uint256.Int, error) {
	p, err := v.currentPlan()
	if err != nil {
		return nil, nil, err
	}
	return p.balances, p.distributable, nil
}

// LiquidityDeltas returns target minus current balance per allocated adapter.
// Positive values need a deposit, negative ones a withdrawal.
func (v *Vault) LiquidityDeltas() ([]*big.Int, error) {
	p, err := v.currentPlan()
	if err != nil {
		return nil, err
	}
	return p.deltas, nil
}

// NetYield is the blended yield the current weights would reach after a
// rebalance.
func (v *Vault) NetYield() (*uint256.Int, error) {
	p, err := v.currentPlan()
	if err != nil {
		return nil, err
	}
	return p.netYield()
}

// HypotheticalNetYield scores a candidate allocation without touching state.
// It accepts exactly the lists RebalanceWithNewAdapters accepts, zero-address
// padding included.
func (v *Vault) HypotheticalNetYield(adapters []common.Address, weights []*uint256.Int) (*uint256.Int, error) {
	if len(adapters) != len(weights) {
		return nil, fmt.Errorf("%w: %d adapters and %d weights", ErrLengthMismatch, len(adapters), len(weights))
	}
	if err := v.validateWeights(listedWeights(adapters, weights)); err != nil {
		return nil, err
	}
	p, err := v.newPlan(adapters, weights)
	if err != nil {
		return nil, err
	}
	return p.netYield()
}

// Rebalance moves value towards the current weights.
func (v *Vault) Rebalance(ctx context.Context, caller ledger.Caller) (*Report, error) {
	return v.rebalance(ctx, caller, nil)
}

// RebalanceWithNewAdapters replaces the allocation list, then rebalances.
func (v *Vault) RebalanceWithNewAdapters(ctx context.Context, caller ledger.Caller, adapters []common.Address, weights []*uint256.Int) (*Report, error) {
	return v.rebalance(ctx, caller, func(ctx context.Context) error {
		return v.setAllocations(ctx, caller, adapters, weights)
	})
}

// RebalanceWithNewWeights reweights the current allocation list in place,
// then rebalances.
func (v *Vault) RebalanceWithNewWeights(ctx context.Context, caller ledger.Caller, weights []*uint256.Int) (*Report, error) {
	return v.rebalance(ctx, caller, func(ctx context.Context) error {
		if len(weights) != len(v.state.allocations) {
			return fmt.Errorf("%w: %d allocations and %d weights", ErrLengthMismatch, len(v.state.allocations), len(weights))
		}
		adapters, _ := v.split()
		return v.setAllocations(ctx, caller, adapters, weights)
	})
}

func (v *Vault) rebalance(ctx context.Context, caller ledger.Caller, update func(ctx context.Context) error) (*Report, error) {
	timer := prometheus.NewTimer(v.metrics.rebalanceDuration)
	defer timer.ObserveDuration()

	var report *Report
	err := v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.onlyRebalancer(caller); err != nil {
			return err
		}
		if err := v.claimFees(ctx); err != nil {
			return err
		}
		if update != nil {
			if err := update(ctx); err != nil {
				return err
			}
		}
		r, err := v.execute(ctx, caller)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// execute runs the withdraw cascade, then the deposit cascade, then drops
// drained zero-weight adapters.
func (v *Vault) execute(ctx context.Context, caller ledger.Caller) (*Report, error) {
	p, err := v.currentPlan()
	if err != nil {
		return nil, err
	}
	netYield, err := p.netYield()
	if err != nil {
		return nil, err
	}
	report := &Report{
		Adapters:      p.addrs,
		Weights:       p.weights,
		Balances:      p.balances,
		Deltas:        p.deltas,
		Distributable: p.distributable,
		NetYield:      netYield,
		Withdrawn:     make([]*uint256.Int, len(p.addrs)),
		Deposited:     make([]*uint256.Int, len(p.addrs)),
	}
	for i := range p.addrs {
		report.Withdrawn[i] = new(uint256.Int)
		report.Deposited[i] = new(uint256.Int)
	}
	self := caller.Via(v.address)

	for i, a := range p.adapters {
		if a == nil || p.deltas[i].Sign() >= 0 {
			continue
		}
		want := uint256.MustFromBig(new(big.Int).Neg(p.deltas[i]))
		got, err := a.WithdrawUnderlyingUpTo(ctx, self, want)
		if err != nil {
			return nil, fmt.Errorf("withdraw from %s: %w", p.addrs[i], err)
		}
		report.Withdrawn[i] = got
	}

	// the budget is what the withdrawals freed plus the idle reserve
	budget := v.Idle()
	for i, a := range p.adapters {
		if a == nil || p.deltas[i].Sign() <= 0 {
			continue
		}
		if budget.IsZero() {
			report.SkippedDeposits++
			continue
		}
		amount := fixedpoint.Min(uint256.MustFromBig(p.deltas[i]), budget)
		if a.ExchangeRateToReceipt(amount).IsZero() {
			// too small to mint a single receipt unit
			report.SkippedDeposits++
			continue
		}
		if _, err := a.Deposit(ctx, self, amount); err != nil {
			return nil, fmt.Errorf("deposit into %s: %w", p.addrs[i], err)
		}
		budget.Sub(budget, amount)
		report.Deposited[i] = amount
	}

	if err := v.cleanup(ctx); err != nil {
		return nil, err
	}

	v.ledger.Emit(ctx, v.address, Rebalanced{
		NetYield:        new(uint256.Int).Set(netYield),
		Withdrawn:       report.TotalWithdrawn(),
		Deposited:       report.TotalDeposited(),
		SkippedDeposits: report.SkippedDeposits,
	})
	return report, nil
}

// cleanup drops zero-weight adapters that no longer hold value.
func (v *Vault) cleanup(ctx context.Context) error {
	for i := 0; i < len(v.state.allocations); {
		alloc := v.state.allocations[i]
		a, ok := v.handle(alloc.Adapter)
		if ok && (!alloc.Weight.IsZero() || !a.BalanceUnderlying(v.address).IsZero()) {
			i++
			continue
		}
		if err := v.removeAllocation(i); err != nil {
			return err
		}
		v.drop(ctx, alloc.Adapter)
	}
	return nil
}

// listedWeights returns the weights of the non-padding entries.
func listedWeights(adapters []common.Address, weights []*uint256.Int) []*uint256.Int {
	listed := make([]*uint256.Int, 0, len(weights))
	for i, addr := range adapters {
		if addr != (common.Address{}) {
			listed = append(listed, weights[i])
		}
	}
	return listed
}

func (v *Vault) validateWeights(weights []*uint256.Int) error {
	total, err := fixedpoint.Sum(weights)
	if err != nil || !fixedpoint.IsFraction(total) {
		return fmt.Errorf("%w: weights sum to more than 1.0", ErrInvalidWeights)
	}
	return nil
}

// setAllocations replaces the allocation list with the non-zero entries of
// adapters, in order. Previously allocated adapters that still hold value
// are kept at weight zero until drained.
func (v *Vault) setAllocations(ctx context.Context, caller ledger.Caller, adapters []common.Address, weights []*uint256.Int) error {
	if len(adapters) != len(weights) {
		return fmt.Errorf("%w: %d adapters and %d weights", ErrLengthMismatch, len(adapters), len(weights))
	}

	next := make([]Allocation, 0, len(adapters))
	for i, addr := range adapters {
		if addr == (common.Address{}) {
			continue
		}
		if _, err := collection.IndexOf(adapters[:i], addr); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateAdapter, addr)
		}
		a, ok := v.registry.Adapter(addr)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAdapter, addr)
		}
		if a.UnderlyingAsset() != v.asset.Address() {
			return fmt.Errorf("%w: %s wraps %s", ErrAssetMismatch, addr, a.UnderlyingAsset())
		}
		next = append(next, Allocation{Adapter: addr, Weight: new(uint256.Int).Set(weights[i])})
	}
	if err := v.validateWeights(listedWeights(adapters, weights)); err != nil {
		return err
	}

	for _, old := range v.state.allocations {
		if containsAdapter(next, old.Adapter) {
			continue
		}
		a, ok := v.handle(old.Adapter)
		if ok && !a.BalanceUnderlying(v.address).IsZero() {
			next = append(next, Allocation{Adapter: old.Adapter, Weight: new(uint256.Int)})
			continue
		}
		v.drop(ctx, old.Adapter)
	}
	if len(next) > v.maxAdapters {
		return fmt.Errorf("%w: %d exceeds %d", ErrTooManyAdapters, len(next), v.maxAdapters)
	}

	for _, alloc := range next {
		if containsAdapter(v.state.allocations, alloc.Adapter) {
			continue
		}
		a, _ := v.registry.Adapter(alloc.Adapter)
		if err := v.adopt(ctx, caller, a); err != nil {
			return fmt.Errorf("adopt %s: %w", alloc.Adapter, err)
		}
	}

	v.update(func(s *state) { s.allocations = next })
	v.emitAllocations(ctx)
	return nil
}

func containsAdapter(allocations []Allocation, addr common.Address) bool {
	for _, a := range allocations {
		if a.Adapter == addr {
			return true
		}
	}
	return false
}
