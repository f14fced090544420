// Package vault implements the allocation engine: a pool of one underlying
// asset whose value is spread over registered adapters by weight, with a
// share token tracking proportional ownership and a performance fee paid in
// newly minted shares.
package vault

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/defistate/yield-allocator-go/adapter"
	"github.com/defistate/yield-allocator-go/collection"
	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/defistate/yield-allocator-go/packedpair"
	"github.com/defistate/yield-allocator-go/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxAdapters bounds the allocation list walked by every cascade.
const DefaultMaxAdapters = 16

var (
	ErrUnauthorized          = errors.New("vault: unauthorized")
	ErrNull                  = errors.New("vault: null address")
	ErrNoAdapter             = errors.New("vault: no adapter registered for asset")
	ErrZeroAmount            = errors.New("vault: zero amount")
	ErrZeroShares            = errors.New("vault: deposit mints zero shares")
	ErrInsufficientShares    = errors.New("vault: insufficient shares")
	ErrInsufficientLiquidity = errors.New("vault: insufficient liquidity")
	ErrLengthMismatch        = errors.New("vault: length mismatch")
	ErrInvalidWeights        = errors.New("vault: weights exceed one unit")
	ErrInvalidFraction       = errors.New("vault: fraction exceeds one unit")
	ErrUnknownAdapter        = errors.New("vault: adapter not registered")
	ErrAssetMismatch         = errors.New("vault: adapter underlying differs from vault asset")
	ErrDuplicateAdapter      = errors.New("vault: duplicate adapter")
	ErrTooManyAdapters       = errors.New("vault: too many adapters")
	ErrLockedToken           = errors.New("vault: token is locked")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the configuration for a Vault.
type Config struct {
	Ledger          *ledger.Ledger
	AdapterRegistry *registry.Registry
	Address         common.Address
	Asset           common.Address
	Owner           common.Address
	// Rebalancer may call the rebalance entry points besides the owner. It is
	// normally the batch gateway and may be left zero.
	Rebalancer common.Address
	// FeeRecipient defaults to Owner.
	FeeRecipient common.Address
	// ShareSymbol defaults to "ya" followed by the asset symbol.
	ShareSymbol string
	// MaxAdapters defaults to DefaultMaxAdapters.
	MaxAdapters int
	Registry    prometheus.Registerer
	Logger      Logger
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errors.New("config: Ledger cannot be nil")
	}
	if c.AdapterRegistry == nil {
		return errors.New("config: AdapterRegistry cannot be nil")
	}
	if c.Address == (common.Address{}) || c.Asset == (common.Address{}) || c.Owner == (common.Address{}) {
		return errors.New("config: Address, Asset and Owner are required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.MaxAdapters < 0 {
		return errors.New("config: MaxAdapters cannot be negative")
	}
	if c.MaxAdapters == 0 {
		c.MaxAdapters = DefaultMaxAdapters
	}
	if c.FeeRecipient == (common.Address{}) {
		c.FeeRecipient = c.Owner
	}
	return nil
}

// Allocation is one entry of the ordered allocation list. Weight is a
// fraction of the distributable value.
type Allocation struct {
	Adapter common.Address
	Weight  *uint256.Int
}

// Vault is deployed on the ledger at its address and accepts encoded
// rebalance calls there. Its share token lives at a derived address.
type Vault struct {
	ledger      *ledger.Ledger
	registry    *registry.Registry
	address     common.Address
	owner       common.Address
	asset       *ledger.Token
	shares      *ledger.Token
	minter      *ledger.Minter
	maxAdapters int
	metrics     *Metrics
	logger      Logger

	// mu guards adapters and state. Both are written only by the call
	// holding the ledger, which reads them without locking.
	mu sync.RWMutex
	// adapters resolves every adapter the vault has ever allocated to, so
	// funds stay reachable after the registry drops an adapter.
	adapters map[common.Address]adapter.Adapter

	state state
}

type state struct {
	allocations    []Allocation
	reserveRatio   *uint256.Int
	performanceFee *uint256.Int
	feeRecipient   common.Address
	rebalancer     common.Address
	priceAtLastFee *uint256.Int
	locked         mapset.Set[common.Address]
}

// New deploys a vault whose sole initial allocation is the best-yielding
// adapter registered for the asset. Everything that can fail is checked
// before the vault and its share token are deployed.
func New(ctx context.Context, cfg Config) (*Vault, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, taken := cfg.Ledger.Contract(cfg.Address); taken {
		return nil, fmt.Errorf("failed to deploy vault: %w: %s", ledger.ErrAlreadyDeployed, cfg.Address)
	}
	asset, err := tokenAt(cfg.Ledger, cfg.Asset)
	if err != nil {
		return nil, err
	}
	best, _ := cfg.AdapterRegistry.BestAdapter(cfg.Asset)
	if best == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, cfg.Asset)
	}
	initial, _ := cfg.AdapterRegistry.Adapter(best)
	if _, err := tokenAt(cfg.Ledger, initial.ReceiptToken()); err != nil {
		return nil, fmt.Errorf("initial adapter %s: %w", best, err)
	}

	symbol := cfg.ShareSymbol
	if symbol == "" {
		symbol = "ya" + asset.Symbol()
	}
	shares, minter, err := ledger.NewToken(cfg.Ledger, cfg.Ledger.NextAddress(cfg.Address), symbol, asset.Decimals())
	if err != nil {
		return nil, err
	}

	v := &Vault{
		ledger:      cfg.Ledger,
		registry:    cfg.AdapterRegistry,
		address:     cfg.Address,
		owner:       cfg.Owner,
		asset:       asset,
		shares:      shares,
		minter:      minter,
		maxAdapters: cfg.MaxAdapters,
		metrics:     NewMetrics(cfg.Registry, cfg.Address),
		logger:      cfg.Logger,
		adapters:    make(map[common.Address]adapter.Adapter),
		state: state{
			reserveRatio:   fixedpoint.Percent(10),
			performanceFee: fixedpoint.Percent(5),
			feeRecipient:   cfg.FeeRecipient,
			rebalancer:     cfg.Rebalancer,
			priceAtLastFee: fixedpoint.One(),
			locked:         mapset.NewThreadUnsafeSet[common.Address](),
		},
	}
	if err := cfg.Ledger.Deploy(cfg.Address, v); err != nil {
		return nil, fmt.Errorf("failed to deploy vault: %w", err)
	}
	cfg.Ledger.Subscribe(v.observe)

	err = cfg.Ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.adopt(ctx, ledger.External(v.address), initial); err != nil {
			return err
		}
		v.update(func(s *state) {
			s.allocations = []Allocation{{Adapter: best, Weight: fixedpoint.One()}}
		})
		v.emitAllocations(ctx)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adopt initial adapter %s: %w", best, err)
	}
	return v, nil
}

func tokenAt(l *ledger.Ledger, addr common.Address) (*ledger.Token, error) {
	c, ok := l.Contract(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no token at %s", ErrNull, addr)
	}
	t, ok := c.(*ledger.Token)
	if !ok {
		return nil, fmt.Errorf("contract at %s is not a token", addr)
	}
	return t, nil
}

// adopt approves a for unlimited movement of the asset and its receipt
// token and locks the receipt token.
func (v *Vault) adopt(ctx context.Context, caller ledger.Caller, a adapter.Adapter) error {
	receipt, err := tokenAt(v.ledger, a.ReceiptToken())
	if err != nil {
		return err
	}
	self := caller.Via(v.address)
	if err := v.asset.Approve(ctx, self, a.Address(), ledger.MaxAllowance()); err != nil {
		return err
	}
	if err := receipt.Approve(ctx, self, a.Address(), ledger.MaxAllowance()); err != nil {
		return err
	}
	v.mu.Lock()
	v.state.locked.Add(a.ReceiptToken())
	v.adapters[a.Address()] = a
	v.mu.Unlock()
	return nil
}

// drop unlocks the receipt token of an allocation leaving the list.
func (v *Vault) drop(ctx context.Context, addr common.Address) {
	if a, ok := v.handle(addr); ok {
		v.update(func(s *state) { s.locked.Remove(a.ReceiptToken()) })
	}
	v.ledger.Emit(ctx, v.address, AdapterRemoved{Adapter: addr})
}

// update applies fn to the state under the write lock.
func (v *Vault) update(fn func(s *state)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.state)
}

// view copies the state for a reader. The allocation list and the values in
// it are replaced on write, never modified in place; locked is not covered.
func (v *Vault) view() state {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// removeAllocation drops entry i from the allocation list.
func (v *Vault) removeAllocation(i int) error {
	remaining, err := collection.RemoveAt(slices.Clone(v.state.allocations), i)
	if err != nil {
		return err
	}
	v.update(func(s *state) { s.allocations = remaining })
	return nil
}

// handle returns the adapter the vault allocated to at addr.
func (v *Vault) handle(addr common.Address) (adapter.Adapter, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.adapters[addr]
	return a, ok
}

func (v *Vault) emitAllocations(ctx context.Context) {
	adapters, weights := v.split()
	v.ledger.Emit(ctx, v.address, AllocationsUpdated{Adapters: adapters, Weights: weights})
}

func (v *Vault) split() ([]common.Address, []*uint256.Int) {
	allocations := v.view().allocations
	adapters := make([]common.Address, len(allocations))
	weights := make([]*uint256.Int, len(allocations))
	for i, a := range allocations {
		adapters[i] = a.Adapter
		weights[i] = new(uint256.Int).Set(a.Weight)
	}
	return adapters, weights
}

// Address is where the vault accepts encoded calls.
func (v *Vault) Address() common.Address { return v.address }

// Asset is the underlying token the vault allocates.
func (v *Vault) Asset() common.Address { return v.asset.Address() }

// Owner may change parameters, rebalance and sweep.
func (v *Vault) Owner() common.Address { return v.owner }

// Shares is the vault's share token.
func (v *Vault) Shares() *ledger.Token { return v.shares }

// FeeRecipient receives the performance fee shares.
func (v *Vault) FeeRecipient() common.Address { return v.view().feeRecipient }

// Rebalancer may rebalance besides the owner. Zero when disabled.
func (v *Vault) Rebalancer() common.Address { return v.view().rebalancer }

// ReserveRatio is the fraction of total value kept idle.
func (v *Vault) ReserveRatio() *uint256.Int {
	return new(uint256.Int).Set(v.view().reserveRatio)
}

// PerformanceFee is the fraction of appreciation paid out as fee shares.
func (v *Vault) PerformanceFee() *uint256.Int {
	return new(uint256.Int).Set(v.view().performanceFee)
}

// PriceAtLastFee is the share price fees were last charged up to.
func (v *Vault) PriceAtLastFee() *uint256.Int {
	return new(uint256.Int).Set(v.view().priceAtLastFee)
}

// Allocations returns a copy of the allocation list.
func (v *Vault) Allocations() []Allocation {
	allocations := v.view().allocations
	out := make([]Allocation, len(allocations))
	for i, a := range allocations {
		out[i] = Allocation{Adapter: a.Adapter, Weight: new(uint256.Int).Set(a.Weight)}
	}
	return out
}

// IsLocked reports whether token is the receipt token of an allocated adapter.
func (v *Vault) IsLocked(token common.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.locked.Contains(token)
}

// Idle is the underlying held by the vault itself.
func (v *Vault) Idle() *uint256.Int {
	return v.asset.BalanceOf(v.address)
}

// TotalValue is the idle balance plus every allocated adapter position.
func (v *Vault) TotalValue() *uint256.Int {
	total := v.Idle()
	for _, a := range v.view().allocations {
		if ad, ok := v.handle(a.Adapter); ok {
			total.Add(total, ad.BalanceUnderlying(v.address))
		}
	}
	return total
}

// PricePerShare is the underlying value of one whole share as a WAD
// fraction. An empty vault prices at 1.0.
func (v *Vault) PricePerShare() *uint256.Int {
	supply := v.shares.TotalSupply()
	if supply.IsZero() {
		return fixedpoint.One()
	}
	price, err := fixedpoint.Frac(v.TotalValue(), supply)
	if err != nil {
		return fixedpoint.One()
	}
	return price
}

// ConvertToShares is the number of shares a deposit of assets would mint.
func (v *Vault) ConvertToShares(assets *uint256.Int) (*uint256.Int, error) {
	supply := v.shares.TotalSupply()
	if supply.IsZero() {
		return new(uint256.Int).Set(assets), nil
	}
	total := v.TotalValue()
	if total.IsZero() {
		return nil, fmt.Errorf("%w: vault holds no value", ErrZeroShares)
	}
	return fixedpoint.MulDiv(assets, supply, total)
}

// ConvertToAssets is the underlying that burning shares would pay out.
func (v *Vault) ConvertToAssets(shares *uint256.Int) (*uint256.Int, error) {
	supply := v.shares.TotalSupply()
	if supply.IsZero() {
		return new(uint256.Int), nil
	}
	return fixedpoint.MulDiv(shares, v.TotalValue(), supply)
}

func (v *Vault) onlyOwner(caller ledger.Caller) error {
	if caller.Sender != v.owner {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller.Sender)
	}
	return nil
}

func (v *Vault) onlyRebalancer(caller ledger.Caller) error {
	if caller.Sender == v.owner {
		return nil
	}
	if v.state.rebalancer != (common.Address{}) && caller.Sender == v.state.rebalancer {
		return nil
	}
	return fmt.Errorf("%w: %s may not rebalance", ErrUnauthorized, caller.Sender)
}

// Snapshot implements ledger.Stateful. Allocations are stored packed.
func (v *Vault) Snapshot() any {
	adapters, weights := v.split()
	words, err := packedpair.EncodeAll(adapters, weights)
	if err != nil {
		// weights never exceed one unit, far below the packed width
		panic(fmt.Sprintf("vault: cannot pack allocations: %v", err))
	}
	return snapshot{
		allocations:    words,
		reserveRatio:   new(uint256.Int).Set(v.state.reserveRatio),
		performanceFee: new(uint256.Int).Set(v.state.performanceFee),
		feeRecipient:   v.state.feeRecipient,
		rebalancer:     v.state.rebalancer,
		priceAtLastFee: new(uint256.Int).Set(v.state.priceAtLastFee),
		locked:         v.state.locked.Clone(),
	}
}

type snapshot struct {
	allocations    []*uint256.Int
	reserveRatio   *uint256.Int
	performanceFee *uint256.Int
	feeRecipient   common.Address
	rebalancer     common.Address
	priceAtLastFee *uint256.Int
	locked         mapset.Set[common.Address]
}

// Restore implements ledger.Stateful.
func (v *Vault) Restore(s any) {
	snap := s.(snapshot)
	adapters, weights := packedpair.DecodeAll(snap.allocations)
	allocations := make([]Allocation, len(adapters))
	for i := range adapters {
		allocations[i] = Allocation{Adapter: adapters[i], Weight: weights[i]}
	}
	v.update(func(st *state) {
		*st = state{
			allocations:    allocations,
			reserveRatio:   snap.reserveRatio,
			performanceFee: snap.performanceFee,
			feeRecipient:   snap.feeRecipient,
			rebalancer:     snap.rebalancer,
			priceAtLastFee: snap.priceAtLastFee,
			locked:         snap.locked,
		}
	})
}

// observe feeds metrics and logs from committed events only.
func (v *Vault) observe(log ledger.Log) {
	if log.Address != v.address {
		return
	}
	switch ev := log.Event.(type) {
	case Deposited:
		v.metrics.deposits.Inc()
		v.logger.Debug("Deposit committed", "owner", ev.Owner, "assets", ev.Assets.Dec(), "shares", ev.Shares.Dec())
	case Withdrawn:
		v.metrics.withdrawals.Inc()
		v.logger.Debug("Withdrawal committed", "owner", ev.Owner, "assets", ev.Assets.Dec(), "shares", ev.Shares.Dec())
	case FeesClaimed:
		v.metrics.feeClaims.Inc()
		v.logger.Info("Fees claimed", "amount", ev.Amount.Dec(), "fee_shares", ev.FeeShares.Dec())
	case Rebalanced:
		v.metrics.rebalances.Inc()
		v.metrics.skippedDeposits.Add(float64(ev.SkippedDeposits))
		v.logger.Info("Rebalance committed",
			"net_yield", fixedpoint.Format(ev.NetYield),
			"withdrawn", ev.Withdrawn.Dec(),
			"deposited", ev.Deposited.Dec(),
			"skipped_deposits", ev.SkippedDeposits,
		)
	case AdapterRemoved:
		v.metrics.removedAdapters.Inc()
		v.logger.Info("Adapter dropped from allocations", "adapter", ev.Adapter)
	case AllocationsUpdated:
		v.logger.Debug("Allocations updated", "adapters", ev.Adapters, "allocation_count", len(ev.Adapters))
	}
}
