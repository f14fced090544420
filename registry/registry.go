// Package registry is the directory of protocols, the adapters they
// register, the underlying assets those adapters support and the vaults
// allowed to receive batched calls.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/defistate/yield-allocator-go/adapter"
	"github.com/defistate/yield-allocator-go/collection"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxAdaptersPerAsset bounds the adapter list scanned by yield queries.
const DefaultMaxAdaptersPerAsset = 32

// OwnerProtocolID is the protocol id recorded for adapters the owner registers.
const OwnerProtocolID uint64 = 0

var (
	ErrUnauthorized    = errors.New("registry: unauthorized")
	ErrNull            = errors.New("registry: null address")
	ErrAlreadyExists   = errors.New("registry: already exists")
	ErrNotFound        = errors.New("registry: not found")
	ErrInvalidAdapter  = errors.New("registry: adapter does not declare underlying and receipt")
	ErrTooManyAdapters = errors.New("registry: too many adapters for asset")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the configuration for a Registry.
type Config struct {
	Ledger  *ledger.Ledger
	Address common.Address
	Owner   common.Address
	// MaxAdaptersPerAsset defaults to DefaultMaxAdaptersPerAsset.
	MaxAdaptersPerAsset int
	Registry            prometheus.Registerer
	Logger              Logger
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errors.New("config: Ledger cannot be nil")
	}
	if c.Address == (common.Address{}) {
		return errors.New("config: Address cannot be zero")
	}
	if c.Owner == (common.Address{}) {
		return errors.New("config: Owner cannot be zero")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.MaxAdaptersPerAsset < 0 {
		return errors.New("config: MaxAdaptersPerAsset cannot be negative")
	}
	if c.MaxAdaptersPerAsset == 0 {
		c.MaxAdaptersPerAsset = DefaultMaxAdaptersPerAsset
	}
	return nil
}

// Registry is deployed on the ledger and takes part in its rollback.
type Registry struct {
	ledger      *ledger.Ledger
	address     common.Address
	owner       common.Address
	maxPerAsset int
	metrics     *Metrics
	logger      Logger

	// mu guards state. State is written only by the call holding the ledger,
	// which reads it without locking.
	mu    sync.RWMutex
	state state
}

type state struct {
	protocolsCount  uint64
	protocolIDs     map[common.Address]uint64
	protocolAddrs   map[uint64]common.Address
	adapters        map[common.Address]adapter.Adapter
	adapterProtocol map[common.Address]uint64
	byWrapper       map[common.Address]common.Address
	byAsset         map[common.Address][]common.Address
	supported       mapset.Set[common.Address]
	vaults          mapset.Set[common.Address]
}

// New deploys a registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		ledger:      cfg.Ledger,
		address:     cfg.Address,
		owner:       cfg.Owner,
		maxPerAsset: cfg.MaxAdaptersPerAsset,
		metrics:     NewMetrics(cfg.Registry),
		logger:      cfg.Logger,
		state: state{
			protocolIDs:     make(map[common.Address]uint64),
			protocolAddrs:   make(map[uint64]common.Address),
			adapters:        make(map[common.Address]adapter.Adapter),
			adapterProtocol: make(map[common.Address]uint64),
			byWrapper:       make(map[common.Address]common.Address),
			byAsset:         make(map[common.Address][]common.Address),
			supported:       mapset.NewThreadUnsafeSet[common.Address](),
			vaults:          mapset.NewThreadUnsafeSet[common.Address](),
		},
	}
	if err := cfg.Ledger.Deploy(cfg.Address, r); err != nil {
		return nil, fmt.Errorf("failed to deploy registry: %w", err)
	}
	cfg.Ledger.Subscribe(r.observe)
	return r, nil
}

// Address is where the registry is deployed.
func (r *Registry) Address() common.Address { return r.address }

// Owner administers protocols and vaults.
func (r *Registry) Owner() common.Address { return r.owner }

func (r *Registry) onlyOwner(caller ledger.Caller) error {
	if caller.Sender != r.owner {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller.Sender)
	}
	return nil
}

// AddProtocol registers protocol under the next protocol id.
func (r *Registry) AddProtocol(ctx context.Context, caller ledger.Caller, protocol common.Address) (uint64, error) {
	var id uint64
	err := r.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(caller); err != nil {
			return err
		}
		if protocol == (common.Address{}) {
			return ErrNull
		}
		if _, exists := r.state.protocolIDs[protocol]; exists {
			return fmt.Errorf("%w: protocol %s", ErrAlreadyExists, protocol)
		}
		r.mu.Lock()
		r.state.protocolsCount++
		id = r.state.protocolsCount
		r.state.protocolIDs[protocol] = id
		r.state.protocolAddrs[id] = protocol
		r.mu.Unlock()
		r.ledger.Emit(ctx, r.address, ProtocolAdded{Protocol: protocol, ID: id})
		return nil
	})
	return id, err
}

// RemoveProtocol unregisters protocol. The protocol counter is not decremented.
func (r *Registry) RemoveProtocol(ctx context.Context, caller ledger.Caller, protocol common.Address) error {
	return r.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(caller); err != nil {
			return err
		}
		id, exists := r.state.protocolIDs[protocol]
		if !exists {
			return fmt.Errorf("%w: protocol %s", ErrNotFound, protocol)
		}
		r.mu.Lock()
		delete(r.state.protocolIDs, protocol)
		delete(r.state.protocolAddrs, id)
		r.mu.Unlock()
		r.ledger.Emit(ctx, r.address, ProtocolRemoved{Protocol: protocol, ID: id})
		return nil
	})
}

// callerProtocolID resolves the registering identity of caller: its protocol
// id, or OwnerProtocolID for the owner.
func (r *Registry) callerProtocolID(caller ledger.Caller) (uint64, bool) {
	if id, ok := r.state.protocolIDs[caller.Sender]; ok {
		return id, true
	}
	if caller.Sender == r.owner {
		return OwnerProtocolID, true
	}
	return 0, false
}

// AddAdapter registers a. The caller must be a registered protocol or the owner.
func (r *Registry) AddAdapter(ctx context.Context, caller ledger.Caller, a adapter.Adapter) error {
	return r.ledger.Execute(ctx, func(ctx context.Context) error {
		protocolID, ok := r.callerProtocolID(caller)
		if !ok {
			return fmt.Errorf("%w: %s is neither a protocol nor the owner", ErrNotFound, caller.Sender)
		}
		if a == nil || a.Address() == (common.Address{}) {
			return ErrNull
		}
		underlying, receipt := a.UnderlyingAsset(), a.ReceiptToken()
		if underlying == (common.Address{}) || receipt == (common.Address{}) {
			return fmt.Errorf("%w: %s", ErrInvalidAdapter, a.Address())
		}
		if existing, exists := r.state.byWrapper[receipt]; exists {
			return fmt.Errorf("%w: receipt %s is mapped to %s", ErrAlreadyExists, receipt, existing)
		}
		if _, exists := r.state.adapters[a.Address()]; exists {
			return fmt.Errorf("%w: adapter %s", ErrAlreadyExists, a.Address())
		}
		list := r.state.byAsset[underlying]
		if len(list) >= r.maxPerAsset {
			return fmt.Errorf("%w: %s has %d", ErrTooManyAdapters, underlying, len(list))
		}

		r.mu.Lock()
		r.state.adapters[a.Address()] = a
		r.state.adapterProtocol[a.Address()] = protocolID
		r.state.byWrapper[receipt] = a.Address()
		r.state.byAsset[underlying] = append(slices.Clip(list), a.Address())
		added := r.state.supported.Add(underlying)
		r.mu.Unlock()
		if added {
			r.ledger.Emit(ctx, r.address, SupportAdded{Asset: underlying})
		}
		r.ledger.Emit(ctx, r.address, AdapterAdded{
			Adapter:    a.Address(),
			ProtocolID: protocolID,
			Underlying: underlying,
			Receipt:    receipt,
		})
		return nil
	})
}

// RemoveAdapter unregisters the adapter at addr. The caller must be the
// owner or the protocol that registered it.
func (r *Registry) RemoveAdapter(ctx context.Context, caller ledger.Caller, addr common.Address) error {
	return r.ledger.Execute(ctx, func(ctx context.Context) error {
		callerID, isProtocol := r.state.protocolIDs[caller.Sender]
		isOwner := caller.Sender == r.owner
		if !isOwner && !isProtocol {
			return fmt.Errorf("%w: %s cannot remove adapters", ErrUnauthorized, caller.Sender)
		}
		a, exists := r.state.adapters[addr]
		if !exists {
			return fmt.Errorf("%w: adapter %s", ErrNotFound, addr)
		}
		protocolID := r.state.adapterProtocol[addr]
		if !isOwner && callerID != protocolID {
			return fmt.Errorf("%w: %s did not register %s", ErrUnauthorized, caller.Sender, addr)
		}

		underlying, receipt := a.UnderlyingAsset(), a.ReceiptToken()
		list, err := collection.Remove(slices.Clone(r.state.byAsset[underlying]), addr)
		if err != nil {
			return fmt.Errorf("adapter %s missing from %s list: %w", addr, underlying, err)
		}
		r.mu.Lock()
		delete(r.state.adapters, addr)
		delete(r.state.adapterProtocol, addr)
		delete(r.state.byWrapper, receipt)
		if len(list) == 0 {
			delete(r.state.byAsset, underlying)
			r.state.supported.Remove(underlying)
		} else {
			r.state.byAsset[underlying] = list
		}
		r.mu.Unlock()
		if len(list) == 0 {
			r.ledger.Emit(ctx, r.address, SupportRemoved{Asset: underlying})
		}
		r.ledger.Emit(ctx, r.address, AdapterRemoved{
			Adapter:    addr,
			ProtocolID: protocolID,
			Underlying: underlying,
			Receipt:    receipt,
		})
		return nil
	})
}

// BestAdapter returns the adapter for asset with the highest current yield.
// Ties go to the earliest registered. No adapters yields the zero address
// and a zero yield.
func (r *Registry) BestAdapter(asset common.Address) (common.Address, *uint256.Int) {
	return r.best(asset, common.Address{}, func(a adapter.Adapter) *uint256.Int {
		return a.CurrentYield()
	})
}

// BestAdapterForDeposit ranks by the yield after depositing amount and skips
// exclude.
func (r *Registry) BestAdapterForDeposit(asset common.Address, amount *uint256.Int, exclude common.Address) (common.Address, *uint256.Int) {
	delta := amount.ToBig()
	return r.best(asset, exclude, func(a adapter.Adapter) *uint256.Int {
		return a.HypotheticalYield(new(big.Int).Set(delta))
	})
}

func (r *Registry) best(asset, exclude common.Address, yieldOf func(adapter.Adapter) *uint256.Int) (common.Address, *uint256.Int) {
	var (
		bestAddr  common.Address
		bestYield = new(uint256.Int)
		found     bool
	)
	for _, a := range r.listed(asset) {
		if exclude != (common.Address{}) && a.Address() == exclude {
			continue
		}
		y := yieldOf(a)
		if !found || y.Gt(bestYield) {
			bestAddr, bestYield, found = a.Address(), y, true
		}
	}
	return bestAddr, bestYield
}

// listed resolves asset's adapters in registration order. Yields are read
// after the lock is released.
func (r *Registry) listed(asset common.Address) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.state.byAsset[asset]
	out := make([]adapter.Adapter, len(list))
	for i, addr := range list {
		out[i] = r.state.adapters[addr]
	}
	return out
}

// AdaptersRankedByYield returns asset's adapters ordered by current yield,
// highest first. Equal yields keep registration order.
func (r *Registry) AdaptersRankedByYield(asset common.Address) ([]common.Address, []*uint256.Int, error) {
	listed := r.listed(asset)
	addrs := make([]common.Address, len(listed))
	yields := make([]*uint256.Int, len(listed))
	for i, a := range listed {
		addrs[i], yields[i] = a.Address(), a.CurrentYield()
	}
	if err := collection.SortDescending(addrs, yields); err != nil {
		return nil, nil, err
	}
	return addrs, yields, nil
}

// Adapter resolves a registered adapter.
func (r *Registry) Adapter(addr common.Address) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.state.adapters[addr]
	return a, ok
}

// AdapterForWrapper returns the adapter registered for a receipt token.
func (r *Registry) AdapterForWrapper(receipt common.Address) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.state.byWrapper[receipt]
	return a, ok
}

// AdapterProtocol returns the protocol id that registered addr.
func (r *Registry) AdapterProtocol(addr common.Address) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.state.adapterProtocol[addr]
	return id, ok
}

// Adapters returns a copy of asset's adapter list in registration order.
func (r *Registry) Adapters(asset common.Address) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.state.byAsset[asset])
}

// SupportedTokens returns every asset with at least one adapter, sorted.
func (r *Registry) SupportedTokens() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collection.SetToSlice(r.state.supported, lessAddress)
}

// IsSupported reports whether asset has at least one adapter.
func (r *Registry) IsSupported(asset common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.supported.Contains(asset)
}

// ProtocolsCount is the number of protocols ever registered.
func (r *Registry) ProtocolsCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.protocolsCount
}

// ProtocolID returns the id protocol was registered under.
func (r *Registry) ProtocolID(protocol common.Address) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.state.protocolIDs[protocol]
	return id, ok
}

// ProtocolAddress returns the protocol registered under id.
func (r *Registry) ProtocolAddress(id uint64) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.state.protocolAddrs[id]
	return addr, ok
}

// AddVault marks vault as a valid batch target.
func (r *Registry) AddVault(ctx context.Context, caller ledger.Caller, vault common.Address) error {
	return r.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(caller); err != nil {
			return err
		}
		if vault == (common.Address{}) {
			return ErrNull
		}
		if r.state.vaults.Contains(vault) {
			return fmt.Errorf("%w: vault %s", ErrAlreadyExists, vault)
		}
		r.mu.Lock()
		r.state.vaults.Add(vault)
		r.mu.Unlock()
		r.ledger.Emit(ctx, r.address, VaultAdded{Vault: vault})
		return nil
	})
}

// RemoveVault revokes vault as a batch target.
func (r *Registry) RemoveVault(ctx context.Context, caller ledger.Caller, vault common.Address) error {
	return r.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(caller); err != nil {
			return err
		}
		if !r.state.vaults.Contains(vault) {
			return fmt.Errorf("%w: vault %s", ErrNotFound, vault)
		}
		r.mu.Lock()
		r.state.vaults.Remove(vault)
		r.mu.Unlock()
		r.ledger.Emit(ctx, r.address, VaultRemoved{Vault: vault})
		return nil
	})
}

// IsVault reports whether vault may receive batched calls.
func (r *Registry) IsVault(vault common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.vaults.Contains(vault)
}

// Vaults returns every batch target, sorted.
func (r *Registry) Vaults() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collection.SetToSlice(r.state.vaults, lessAddress)
}

func lessAddress(a, b common.Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Snapshot implements ledger.Stateful.
func (r *Registry) Snapshot() any {
	s := state{
		protocolsCount:  r.state.protocolsCount,
		protocolIDs:     make(map[common.Address]uint64, len(r.state.protocolIDs)),
		protocolAddrs:   make(map[uint64]common.Address, len(r.state.protocolAddrs)),
		adapters:        make(map[common.Address]adapter.Adapter, len(r.state.adapters)),
		adapterProtocol: make(map[common.Address]uint64, len(r.state.adapterProtocol)),
		byWrapper:       make(map[common.Address]common.Address, len(r.state.byWrapper)),
		byAsset:         make(map[common.Address][]common.Address, len(r.state.byAsset)),
		supported:       r.state.supported.Clone(),
		vaults:          r.state.vaults.Clone(),
	}
	for k, v := range r.state.protocolIDs {
		s.protocolIDs[k] = v
	}
	for k, v := range r.state.protocolAddrs {
		s.protocolAddrs[k] = v
	}
	for k, v := range r.state.adapters {
		s.adapters[k] = v
	}
	for k, v := range r.state.adapterProtocol {
		s.adapterProtocol[k] = v
	}
	for k, v := range r.state.byWrapper {
		s.byWrapper[k] = v
	}
	for k, v := range r.state.byAsset {
		s.byAsset[k] = append([]common.Address(nil), v...)
	}
	return s
}

// Restore implements ledger.Stateful.
func (r *Registry) Restore(snapshot any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = snapshot.(state)
}

// observe keeps metrics and logs in step with committed changes only.
func (r *Registry) observe(log ledger.Log) {
	if log.Address != r.address {
		return
	}
	switch ev := log.Event.(type) {
	case ProtocolAdded:
		r.metrics.protocols.Inc()
		r.logger.Info("Protocol registered", "protocol", ev.Protocol, "id", ev.ID)
	case ProtocolRemoved:
		r.metrics.protocols.Dec()
		r.logger.Info("Protocol removed", "protocol", ev.Protocol, "id", ev.ID)
	case AdapterAdded:
		r.metrics.adapters.WithLabelValues(ev.Underlying.Hex()).Inc()
		r.logger.Info("Adapter registered", "adapter", ev.Adapter, "underlying", ev.Underlying, "receipt", ev.Receipt, "protocol_id", ev.ProtocolID)
	case AdapterRemoved:
		r.metrics.adapters.WithLabelValues(ev.Underlying.Hex()).Dec()
		r.logger.Info("Adapter removed", "adapter", ev.Adapter, "underlying", ev.Underlying)
	case SupportAdded:
		r.metrics.assets.Inc()
	case SupportRemoved:
		r.metrics.assets.Dec()
	case VaultAdded:
		r.metrics.vaults.Inc()
	case VaultRemoved:
		r.metrics.vaults.Dec()
	}
}
