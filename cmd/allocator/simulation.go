package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/defistate/yield-allocator-go/adapter"
	"github.com/defistate/yield-allocator-go/adapter/simulated"
	"github.com/defistate/yield-allocator-go/cmd/allocator/config"
	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/gateway"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/defistate/yield-allocator-go/registry"
	"github.com/defistate/yield-allocator-go/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// lendingMarket is an adapter whose venue can be driven by the script.
type lendingMarket interface {
	adapter.Adapter
	Borrow(ctx context.Context, borrower common.Address, amount *uint256.Int) error
	Accrue(ctx context.Context, rate *uint256.Int) error
	SetAvailable(ctx context.Context, liquidityCap *uint256.Int) error
}

type simulation struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger   *ledger.Ledger
	registry *registry.Registry
	gateway  *gateway.Gateway
	tokens   map[string]*ledger.Token
	minters  map[string]*ledger.Minter
	markets  map[string]adapter.Adapter
	vaults   map[string]*vault.Vault
}

func newSimulation(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*simulation, error) {
	l, err := ledger.New(ledger.Config{Logger: logger.With("component", "ledger")})
	if err != nil {
		return nil, err
	}
	s := &simulation{
		cfg:     cfg,
		logger:  logger.With("component", "simulation"),
		ledger:  l,
		tokens:  make(map[string]*ledger.Token),
		minters: make(map[string]*ledger.Minter),
		markets: make(map[string]adapter.Adapter),
		vaults:  make(map[string]*vault.Vault),
	}

	for _, a := range cfg.Assets {
		token, minter, err := ledger.NewToken(l, a.Address, a.Symbol, fixedpoint.Decimals)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
		s.tokens[a.Symbol] = token
		s.minters[a.Symbol] = minter
	}

	s.registry, err = registry.New(registry.Config{
		Ledger:   l,
		Address:  cfg.Registry,
		Owner:    cfg.Owner,
		Registry: reg,
		Logger:   logger.With("component", "registry"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deploy registry: %w", err)
	}
	if err := s.deployMarkets(ctx); err != nil {
		return nil, err
	}

	s.gateway, err = gateway.New(gateway.Config{
		Ledger:          l,
		Address:         cfg.Gateway.Address,
		AdapterRegistry: s.registry,
		MaxBatchSize:    cfg.Gateway.MaxBatchSize,
		Registry:        reg,
		Logger:          logger.With("component", "gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deploy gateway: %w", err)
	}
	if err := s.deployVaults(ctx, reg, logger); err != nil {
		return nil, err
	}
	return s, nil
}

// deployMarkets registers one protocol per distinct protocol id and lets it
// add its markets to the registry.
func (s *simulation) deployMarkets(ctx context.Context) error {
	factory := adapter.NewFactory()
	if err := factory.Register(simulated.Protocol, simulated.Constructor); err != nil {
		return err
	}

	owner := ledger.External(s.cfg.Owner)
	protocols := make(map[string]common.Address)
	for _, m := range s.cfg.Markets {
		protocol, ok := protocols[m.Protocol]
		if !ok {
			protocol = s.ledger.NextAddress(s.cfg.Registry)
			id, err := s.registry.AddProtocol(ctx, owner, protocol)
			if err != nil {
				return fmt.Errorf("protocol %s: %w", m.Protocol, err)
			}
			protocols[m.Protocol] = protocol
			s.logger.Info("Protocol registered", "protocol", m.Protocol, "address", protocol, "id", id)
		}

		asset, _ := s.cfg.Asset(m.Asset)
		a, err := factory.New(adapter.ProtocolID(m.Protocol), s.ledger, m.Address, asset.Address, m.Params)
		if err != nil {
			return fmt.Errorf("market %s: %w", m.Name, err)
		}
		if err := s.registry.AddAdapter(ctx, ledger.External(protocol), a); err != nil {
			return fmt.Errorf("market %s: %w", m.Name, err)
		}
		s.markets[m.Name] = a
		s.logger.Info("Market deployed", "market", m.Name, "address", m.Address, "yield", fixedpoint.Format(a.CurrentYield()))
	}
	return nil
}

func (s *simulation) deployVaults(ctx context.Context, reg prometheus.Registerer, logger *slog.Logger) error {
	owner := ledger.External(s.cfg.Owner)
	for _, vc := range s.cfg.Vaults {
		asset, _ := s.cfg.Asset(vc.Asset)
		v, err := vault.New(ctx, vault.Config{
			Ledger:          s.ledger,
			AdapterRegistry: s.registry,
			Address:         vc.Address,
			Asset:           asset.Address,
			Owner:           s.cfg.Owner,
			Rebalancer:      s.cfg.Gateway.Address,
			FeeRecipient:    vc.FeeRecipient,
			MaxAdapters:     vc.MaxAdapters,
			Registry:        reg,
			Logger:          logger.With("component", "vault", "vault", vc.Name),
		})
		if err != nil {
			return fmt.Errorf("vault %s: %w", vc.Name, err)
		}
		if vc.ReserveRatio != "" {
			if err := v.SetReserveRatio(ctx, owner, fixedpoint.MustParse(vc.ReserveRatio)); err != nil {
				return fmt.Errorf("vault %s: %w", vc.Name, err)
			}
		}
		if vc.PerformanceFee != "" {
			if err := v.SetPerformanceFee(ctx, owner, fixedpoint.MustParse(vc.PerformanceFee)); err != nil {
				return fmt.Errorf("vault %s: %w", vc.Name, err)
			}
		}
		if err := s.registry.AddVault(ctx, owner, vc.Address); err != nil {
			return fmt.Errorf("vault %s: %w", vc.Name, err)
		}
		s.vaults[vc.Name] = v
		s.logger.Info("Vault deployed", "vault", vc.Name, "address", vc.Address, "shares", v.Shares().Address())
	}
	return nil
}

// run executes every step and returns how many failed. A failed step is
// rolled back by the ledger and the script continues.
func (s *simulation) run(ctx context.Context) int {
	failed := 0
	for i, step := range s.cfg.Steps {
		if ctx.Err() != nil {
			s.logger.Warn("Simulation interrupted", "step", i)
			break
		}
		if err := s.step(ctx, step); err != nil {
			failed++
			s.logger.Warn("Step failed", "step", i, "action", step.Action, "error", err)
			continue
		}
		s.logger.Debug("Step executed", "step", i, "action", step.Action)
	}
	return failed
}

func (s *simulation) step(ctx context.Context, step config.Step) error {
	switch step.Action {
	case config.ActionMint:
		return s.minters[step.Asset].Mint(ctx, step.Account, fixedpoint.MustParse(step.Amount))

	case config.ActionDeposit:
		v := s.vaults[step.Vault]
		caller := ledger.External(step.Account)
		amount := fixedpoint.MustParse(step.Amount)
		asset := s.tokenOf(v)
		if asset.Allowance(step.Account, v.Address()).Lt(amount) {
			if err := asset.Approve(ctx, caller, v.Address(), ledger.MaxAllowance()); err != nil {
				return err
			}
		}
		shares, err := v.Deposit(ctx, caller, amount)
		if err != nil {
			return err
		}
		s.logger.Info("Deposited", "vault", step.Vault, "account", step.Account, "assets", step.Amount, "shares", fixedpoint.Format(shares))
		return nil

	case config.ActionWithdraw:
		paid, err := s.vaults[step.Vault].Withdraw(ctx, ledger.External(step.Account), fixedpoint.MustParse(step.Amount))
		if err != nil {
			return err
		}
		s.logger.Info("Withdrew", "vault", step.Vault, "account", step.Account, "shares", step.Amount, "assets", fixedpoint.Format(paid))
		return nil

	case config.ActionBorrow:
		m, err := s.lendingMarket(step.Market)
		if err != nil {
			return err
		}
		return m.Borrow(ctx, step.Account, fixedpoint.MustParse(step.Amount))

	case config.ActionAccrue:
		m, err := s.lendingMarket(step.Market)
		if err != nil {
			return err
		}
		return m.Accrue(ctx, fixedpoint.MustParse(step.Rate))

	case config.ActionSetAvailable:
		m, err := s.lendingMarket(step.Market)
		if err != nil {
			return err
		}
		var liquidityCap *uint256.Int
		if step.Amount != "" {
			liquidityCap = fixedpoint.MustParse(step.Amount)
		}
		return m.SetAvailable(ctx, liquidityCap)

	case config.ActionClaimFees:
		minted, err := s.vaults[step.Vault].ClaimFees(ctx, ledger.External(s.cfg.Owner))
		if err != nil {
			return err
		}
		s.logger.Info("Fees claimed", "vault", step.Vault, "fee_shares", fixedpoint.Format(minted))
		return nil

	case config.ActionRebalance:
		input, err := s.rebalanceCall(step)
		if err != nil {
			return err
		}
		targets := make([]common.Address, len(step.Vaults))
		calls := make([][]byte, len(step.Vaults))
		for i, name := range step.Vaults {
			targets[i] = s.vaults[name].Address()
			calls[i] = input
		}
		return s.gateway.Execute(ctx, ledger.External(s.cfg.Gateway.Keeper), targets, calls)

	case config.ActionOptimize:
		return s.optimize(ctx, step.Vaults)
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

func (s *simulation) rebalanceCall(step config.Step) ([]byte, error) {
	weights := make([]*uint256.Int, len(step.Weights))
	for i, w := range step.Weights {
		weights[i] = fixedpoint.MustParse(w)
	}
	switch {
	case len(step.Adapters) > 0:
		adapters := make([]common.Address, len(step.Adapters))
		for i, name := range step.Adapters {
			adapters[i] = s.markets[name].Address()
		}
		return gateway.EncodeRebalanceWithNewAdapters(adapters, weights)
	case len(weights) > 0:
		return gateway.EncodeRebalanceWithNewWeights(weights)
	default:
		return gateway.EncodeRebalance()
	}
}

func (s *simulation) lendingMarket(name string) (lendingMarket, error) {
	m, ok := s.markets[name].(lendingMarket)
	if !ok {
		return nil, fmt.Errorf("market %s cannot be driven by the script", name)
	}
	return m, nil
}

func (s *simulation) tokenOf(v *vault.Vault) *ledger.Token {
	for _, t := range s.tokens {
		if t.Address() == v.Asset() {
			return t
		}
	}
	return nil
}

// report logs the final state of every vault.
func (s *simulation) report() {
	s.ledger.View(s.logVaults)
}

func (s *simulation) logVaults() {
	for _, vc := range s.cfg.Vaults {
		v := s.vaults[vc.Name]
		allocations := make([]string, 0, len(v.Allocations()))
		for _, a := range v.Allocations() {
			allocations = append(allocations, fmt.Sprintf("%s=%s", a.Adapter.Hex(), fixedpoint.Format(a.Weight)))
		}
		args := []any{
			"vault", vc.Name,
			"total_value", fixedpoint.Format(v.TotalValue()),
			"idle", fixedpoint.Format(v.Idle()),
			"price_per_share", fixedpoint.Format(v.PricePerShare()),
			"share_supply", fixedpoint.Format(v.Shares().TotalSupply()),
			"allocations", allocations,
		}
		if net, err := v.NetYield(); err == nil {
			args = append(args, "net_yield", fixedpoint.Format(net))
		}
		s.logger.Info("Vault state", args...)
	}
}
