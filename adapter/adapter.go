// Package adapter defines the capability set every yield venue exposes to
// the registry and the vault.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrUnknownProtocol is returned when no constructor is registered for a protocol.
	ErrUnknownProtocol = errors.New("adapter: unknown protocol")
	// ErrDuplicateProtocol is returned when a constructor is registered twice.
	ErrDuplicateProtocol = errors.New("adapter: protocol already registered")
)

// Adapter wraps one external lending market.
//
// Amounts are denominated in the underlying asset unless the name says
// receipt. Yields are WAD fractions per year. The caller of every mutating
// method is the account whose position moves; the adapter pulls underlying
// or receipt tokens from it via allowance and pays proceeds back to it.
type Adapter interface {
	// Address is the adapter's own address on the ledger.
	Address() common.Address
	// UnderlyingAsset and ReceiptToken are stable for the adapter's lifetime.
	UnderlyingAsset() common.Address
	ReceiptToken() common.Address

	// Deposit invests amount of underlying and returns receipt tokens minted.
	Deposit(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error)
	// Withdraw redeems receiptAmount and returns the underlying paid out.
	Withdraw(ctx context.Context, caller ledger.Caller, receiptAmount *uint256.Int) (*uint256.Int, error)
	// WithdrawAll redeems the caller's whole position.
	WithdrawAll(ctx context.Context, caller ledger.Caller) (*uint256.Int, error)
	// WithdrawUnderlying withdraws exactly amount of underlying or fails.
	WithdrawUnderlying(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error)
	// WithdrawUnderlyingUpTo withdraws min(amount, available) and never fails
	// for lack of liquidity.
	WithdrawUnderlyingUpTo(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error)

	BalanceReceiptTokens(account common.Address) *uint256.Int
	BalanceUnderlying(account common.Address) *uint256.Int
	AvailableLiquidity() *uint256.Int

	CurrentYield() *uint256.Int
	// HypotheticalYield is the yield after a deposit (delta > 0) or a
	// withdrawal (delta < 0). It is monotonically decreasing in delta.
	HypotheticalYield(delta *big.Int) *uint256.Int

	ExchangeRateToUnderlying(receiptAmount *uint256.Int) *uint256.Int
	ExchangeRateToReceipt(underlyingAmount *uint256.Int) *uint256.Int
}

// ProtocolID identifies a venue family, e.g. "compound-v2".
type ProtocolID string

// Constructor builds an adapter for one underlying asset from opaque,
// protocol-specific parameters.
type Constructor func(l *ledger.Ledger, address common.Address, underlying common.Address, params map[string]string) (Adapter, error)

// Factory builds adapters keyed by protocol identifier.
type Factory struct {
	mu           sync.RWMutex
	constructors map[ProtocolID]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[ProtocolID]Constructor)}
}

// Register adds the constructor for protocol.
func (f *Factory) Register(protocol ProtocolID, c Constructor) error {
	if c == nil {
		return errors.New("adapter: constructor cannot be nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.constructors[protocol]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocol, protocol)
	}
	f.constructors[protocol] = c
	return nil
}

// New builds an adapter for protocol.
func (f *Factory) New(protocol ProtocolID, l *ledger.Ledger, address, underlying common.Address, params map[string]string) (Adapter, error) {
	f.mu.RLock()
	c, ok := f.constructors[protocol]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	a, err := c(l, address, underlying, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", protocol, err)
	}
	return a, nil
}

// Protocols returns the registered protocol identifiers.
func (f *Factory) Protocols() []ProtocolID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ProtocolID, 0, len(f.constructors))
	for p := range f.constructors {
		out = append(out, p)
	}
	return out
}
