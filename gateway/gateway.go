// Package gateway lets one external actor submit rebalance calls against
// many vaults as a single all-or-nothing batch.
package gateway

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/defistate/yield-allocator-go/registry"
	"github.com/defistate/yield-allocator-go/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxBatchSize bounds the number of calls in one batch.
const DefaultMaxBatchSize = 64

var (
	ErrNotExternalActor   = errors.New("gateway: caller is not an external actor")
	ErrLengthMismatch     = errors.New("gateway: vaults and calls differ in length")
	ErrBatchTooLarge      = errors.New("gateway: batch too large")
	ErrUnknownVault       = errors.New("gateway: unknown vault")
	ErrFunctionNotAllowed = errors.New("gateway: function not allowed")
	// ErrSilentRevert stands in for a failed call that gave no reason.
	ErrSilentRevert = errors.New("gateway: call reverted without a reason")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the configuration for a Gateway.
type Config struct {
	Ledger  *ledger.Ledger
	Address common.Address
	// AdapterRegistry holds the set of vaults the gateway may call.
	AdapterRegistry *registry.Registry
	// MaxBatchSize defaults to DefaultMaxBatchSize.
	MaxBatchSize int
	Registry     prometheus.Registerer
	Logger       Logger
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errors.New("config: Ledger cannot be nil")
	}
	if c.Address == (common.Address{}) {
		return errors.New("config: Address cannot be zero")
	}
	if c.AdapterRegistry == nil {
		return errors.New("config: AdapterRegistry cannot be nil")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.MaxBatchSize < 0 {
		return errors.New("config: MaxBatchSize cannot be negative")
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	return nil
}

// CallError reports the call that aborted a batch. Reason is the revert
// reason of the vault, empty when it gave none; Err is then ErrSilentRevert.
type CallError struct {
	Index  int
	Vault  common.Address
	Reason string
	Err    error
}

func (e *CallError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = ErrSilentRevert.Error()
	}
	return fmt.Sprintf("gateway: call %d to %s failed: %s", e.Index, e.Vault.Hex(), reason)
}

func (e *CallError) Unwrap() error { return e.Err }

func newCallError(index int, vaultAddr common.Address, err error) *CallError {
	var revert *ledger.RevertError
	if errors.As(err, &revert) && revert.Reason == "" {
		return &CallError{Index: index, Vault: vaultAddr, Err: ErrSilentRevert}
	}
	if errors.As(err, &revert) {
		return &CallError{Index: index, Vault: vaultAddr, Reason: revert.Reason, Err: err}
	}
	return &CallError{Index: index, Vault: vaultAddr, Reason: err.Error(), Err: err}
}

// Gateway is deployed on the ledger so vaults see it as the sender of the
// calls it forwards.
type Gateway struct {
	ledger       *ledger.Ledger
	address      common.Address
	registry     *registry.Registry
	maxBatchSize int
	allowed      mapset.Set[[4]byte]
	metrics      *Metrics
	logger       Logger
}

// New deploys a gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	allowed := mapset.NewThreadUnsafeSet[[4]byte]()
	for _, s := range vault.RebalanceSelectors() {
		allowed.Add([4]byte(s))
	}
	g := &Gateway{
		ledger:       cfg.Ledger,
		address:      cfg.Address,
		registry:     cfg.AdapterRegistry,
		maxBatchSize: cfg.MaxBatchSize,
		allowed:      allowed,
		metrics:      NewMetrics(cfg.Registry),
		logger:       cfg.Logger,
	}
	if err := cfg.Ledger.Deploy(cfg.Address, g); err != nil {
		return nil, fmt.Errorf("failed to deploy gateway: %w", err)
	}
	cfg.Ledger.Subscribe(g.observe)
	return g, nil
}

func (g *Gateway) Address() common.Address { return g.address }

// Allowed reports whether input starts with one of the rebalance selectors.
func (g *Gateway) Allowed(input []byte) bool {
	if len(input) < 4 {
		return false
	}
	return g.allowed.Contains([4]byte(input[:4]))
}

// Execute validates and dispatches calls[i] to vaults[i] in order, as one
// ledger call. Vaults see the gateway as sender and caller.Origin as
// origin. The first failure aborts the batch and undoes every call already
// made; call failures are returned as *CallError.
func (g *Gateway) Execute(ctx context.Context, caller ledger.Caller, vaults []common.Address, calls [][]byte) error {
	timer := prometheus.NewTimer(g.metrics.duration)
	defer timer.ObserveDuration()

	err := g.ledger.Execute(ctx, func(ctx context.Context) error {
		if !caller.IsExternal() {
			return fmt.Errorf("%w: %s called through %s", ErrNotExternalActor, caller.Origin, caller.Sender)
		}
		if len(vaults) != len(calls) {
			return fmt.Errorf("%w: %d vaults, %d calls", ErrLengthMismatch, len(vaults), len(calls))
		}
		if len(vaults) > g.maxBatchSize {
			return fmt.Errorf("%w: %d calls, at most %d", ErrBatchTooLarge, len(vaults), g.maxBatchSize)
		}

		self := caller.Via(g.address)
		for i, target := range vaults {
			if !g.registry.IsVault(target) {
				return fmt.Errorf("%w: call %d to %s", ErrUnknownVault, i, target)
			}
			if !g.Allowed(calls[i]) {
				return fmt.Errorf("%w: call %d to %s", ErrFunctionNotAllowed, i, target)
			}
			if err := g.ledger.Call(ctx, self, target, calls[i]); err != nil {
				return newCallError(i, target, err)
			}
		}
		g.ledger.Emit(ctx, g.address, BatchExecuted{Origin: caller.Origin, Vaults: append([]common.Address(nil), vaults...)})
		return nil
	})
	if err != nil {
		g.fail(caller, err)
		return err
	}
	return nil
}

func (g *Gateway) fail(caller ledger.Caller, err error) {
	var callErr *CallError
	if errors.As(err, &callErr) {
		g.metrics.batches.WithLabelValues(outcomeReverted).Inc()
		g.logger.Warn("Batch reverted",
			"origin", caller.Origin,
			"index", callErr.Index,
			"vault", callErr.Vault,
			"reason", callErr.Reason,
			"silent", errors.Is(callErr, ErrSilentRevert),
		)
		return
	}
	g.metrics.batches.WithLabelValues(outcomeRejected).Inc()
	g.logger.Warn("Batch rejected", "origin", caller.Origin, "error", err)
}

func (g *Gateway) observe(log ledger.Log) {
	if log.Address != g.address {
		return
	}
	if ev, ok := log.Event.(BatchExecuted); ok {
		g.metrics.batches.WithLabelValues(outcomeCommitted).Inc()
		g.metrics.calls.Add(float64(len(ev.Vaults)))
		g.logger.Debug("Batch committed", "origin", ev.Origin, "calls", len(ev.Vaults))
	}
}

// EncodeRebalance encodes a rebalance() call.
func EncodeRebalance() ([]byte, error) {
	return vault.EncodeRebalance()
}

// EncodeRebalanceWithNewAdapters encodes a rebalanceWithNewAdapters call.
func EncodeRebalanceWithNewAdapters(adapters []common.Address, weights []*uint256.Int) ([]byte, error) {
	return vault.EncodeRebalanceWithNewAdapters(adapters, weights)
}

// EncodeRebalanceWithNewWeights encodes a rebalanceWithNewWeights call.
func EncodeRebalanceWithNewWeights(weights []*uint256.Int) ([]byte, error) {
	return vault.EncodeRebalanceWithNewWeights(weights)
}
