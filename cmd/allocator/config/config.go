// Package config loads the YAML description of a simulated allocator
// deployment: the assets, the lending markets, the vaults, and a scripted
// sequence of steps to run against them.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	ActionMint         = "mint"
	ActionDeposit      = "deposit"
	ActionWithdraw     = "withdraw"
	ActionBorrow       = "borrow"
	ActionAccrue       = "accrue"
	ActionSetAvailable = "set_available"
	ActionRebalance    = "rebalance"
	ActionOptimize     = "optimize"
	ActionClaimFees    = "claim_fees"
)

var validActions = map[string]bool{
	ActionMint:         true,
	ActionDeposit:      true,
	ActionWithdraw:     true,
	ActionBorrow:       true,
	ActionAccrue:       true,
	ActionSetAvailable: true,
	ActionRebalance:    true,
	ActionOptimize:     true,
	ActionClaimFees:    true,
}

// Config is the root of the simulator configuration.
type Config struct {
	// MetricsAddr, when set, serves /metrics on that address.
	MetricsAddr string         `yaml:"metrics_addr"`
	Owner       common.Address `yaml:"owner"`
	Registry    common.Address `yaml:"registry"`
	Gateway     GatewayConfig  `yaml:"gateway"`
	Assets      []AssetConfig  `yaml:"assets"`
	Markets     []MarketConfig `yaml:"markets"`
	Vaults      []VaultConfig  `yaml:"vaults"`
	Steps       []Step         `yaml:"steps"`
}

type GatewayConfig struct {
	Address common.Address `yaml:"address"`
	// Keeper is the external account that submits batches.
	Keeper       common.Address `yaml:"keeper"`
	MaxBatchSize int            `yaml:"max_batch_size"`
}

// AssetConfig describes an 18-decimal token.
type AssetConfig struct {
	Symbol  string         `yaml:"symbol"`
	Address common.Address `yaml:"address"`
}

type MarketConfig struct {
	Name     string         `yaml:"name"`
	Protocol string         `yaml:"protocol"`
	Address  common.Address `yaml:"address"`
	Asset    string         `yaml:"asset"`
	// Params are handed to the protocol's adapter constructor.
	Params map[string]string `yaml:"params"`
}

type VaultConfig struct {
	Name           string         `yaml:"name"`
	Address        common.Address `yaml:"address"`
	Asset          string         `yaml:"asset"`
	ReserveRatio   string         `yaml:"reserve_ratio"`
	PerformanceFee string         `yaml:"performance_fee"`
	FeeRecipient   common.Address `yaml:"fee_recipient"`
	MaxAdapters    int            `yaml:"max_adapters"`
}

// Step is one scripted action. Which fields apply depends on Action.
type Step struct {
	Action  string         `yaml:"action"`
	Account common.Address `yaml:"account"`
	Asset   string         `yaml:"asset"`
	Vault   string         `yaml:"vault"`
	Market  string         `yaml:"market"`
	Amount  string         `yaml:"amount"`
	Rate    string         `yaml:"rate"`
	// Vaults lists the batch targets of rebalance and optimize steps.
	Vaults []string `yaml:"vaults"`
	// Adapters names markets for rebalanceWithNewAdapters. Weights alone
	// select rebalanceWithNewWeights.
	Adapters []string `yaml:"adapters"`
	Weights  []string `yaml:"weights"`
}

// LoadConfig reads and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Market returns the market called name.
func (c *Config) Market(name string) (MarketConfig, bool) {
	for _, m := range c.Markets {
		if m.Name == name {
			return m, true
		}
	}
	return MarketConfig{}, false
}

// Vault returns the vault called name.
func (c *Config) Vault(name string) (VaultConfig, bool) {
	for _, v := range c.Vaults {
		if v.Name == name {
			return v, true
		}
	}
	return VaultConfig{}, false
}

// Asset returns the asset with the given symbol.
func (c *Config) Asset(symbol string) (AssetConfig, bool) {
	for _, a := range c.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return AssetConfig{}, false
}

func (c *Config) validate() error {
	zero := common.Address{}
	if c.Owner == zero || c.Registry == zero {
		return errors.New("owner and registry addresses are required")
	}
	if c.Gateway.Address == zero || c.Gateway.Keeper == zero {
		return errors.New("gateway address and keeper are required")
	}
	if c.Gateway.MaxBatchSize < 0 {
		return errors.New("gateway max_batch_size cannot be negative")
	}
	if len(c.Vaults) == 0 {
		return errors.New("at least one vault is required")
	}

	addresses := map[common.Address]string{
		c.Registry:        "registry",
		c.Gateway.Address: "gateway",
	}
	claim := func(addr common.Address, what string) error {
		if addr == zero {
			return fmt.Errorf("%s: address is required", what)
		}
		if other, ok := addresses[addr]; ok {
			return fmt.Errorf("%s: address %s already used by %s", what, addr, other)
		}
		addresses[addr] = what
		return nil
	}

	symbols := make(map[string]bool)
	for i, a := range c.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("asset %d: symbol is required", i)
		}
		if symbols[a.Symbol] {
			return fmt.Errorf("asset %s: duplicate symbol", a.Symbol)
		}
		symbols[a.Symbol] = true
		if err := claim(a.Address, "asset "+a.Symbol); err != nil {
			return err
		}
	}

	markets := make(map[string]bool)
	for i, m := range c.Markets {
		if m.Name == "" || markets[m.Name] {
			return fmt.Errorf("market %d: name %q is empty or duplicate", i, m.Name)
		}
		markets[m.Name] = true
		if m.Protocol == "" {
			return fmt.Errorf("market %s: protocol is required", m.Name)
		}
		if !symbols[m.Asset] {
			return fmt.Errorf("market %s: unknown asset %q", m.Name, m.Asset)
		}
		if err := claim(m.Address, "market "+m.Name); err != nil {
			return err
		}
	}

	vaults := make(map[string]bool)
	for i, v := range c.Vaults {
		if v.Name == "" || vaults[v.Name] {
			return fmt.Errorf("vault %d: name %q is empty or duplicate", i, v.Name)
		}
		vaults[v.Name] = true
		if !symbols[v.Asset] {
			return fmt.Errorf("vault %s: unknown asset %q", v.Name, v.Asset)
		}
		if err := claim(v.Address, "vault "+v.Name); err != nil {
			return err
		}
		for field, value := range map[string]string{"reserve_ratio": v.ReserveRatio, "performance_fee": v.PerformanceFee} {
			if value == "" {
				continue
			}
			if err := checkFraction(value); err != nil {
				return fmt.Errorf("vault %s: %s: %w", v.Name, field, err)
			}
		}
		if v.MaxAdapters < 0 {
			return fmt.Errorf("vault %s: max_adapters cannot be negative", v.Name)
		}
	}

	for i, s := range c.Steps {
		if err := s.validate(symbols, markets, vaults); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Action, err)
		}
	}
	return nil
}

func (s Step) validate(assets, markets, vaults map[string]bool) error {
	if !validActions[s.Action] {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	needAmount := func() error {
		if _, err := fixedpoint.Parse(s.Amount); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		return nil
	}
	needAccount := func() error {
		if s.Account == (common.Address{}) {
			return errors.New("account is required")
		}
		return nil
	}
	needMarket := func() error {
		if !markets[s.Market] {
			return fmt.Errorf("unknown market %q", s.Market)
		}
		return nil
	}
	needVault := func() error {
		if !vaults[s.Vault] {
			return fmt.Errorf("unknown vault %q", s.Vault)
		}
		return nil
	}

	switch s.Action {
	case ActionMint:
		if !assets[s.Asset] {
			return fmt.Errorf("unknown asset %q", s.Asset)
		}
		return errors.Join(needAccount(), needAmount())
	case ActionDeposit, ActionWithdraw:
		return errors.Join(needAccount(), needVault(), needAmount())
	case ActionBorrow:
		return errors.Join(needAccount(), needMarket(), needAmount())
	case ActionAccrue:
		if err := checkFraction(s.Rate); err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		return needMarket()
	case ActionSetAvailable:
		// an empty amount lifts the cap
		if s.Amount == "" {
			return needMarket()
		}
		return errors.Join(needMarket(), needAmount())
	case ActionClaimFees:
		return needVault()
	case ActionRebalance, ActionOptimize:
		if len(s.Vaults) == 0 {
			return errors.New("vaults are required")
		}
		for _, v := range s.Vaults {
			if !vaults[v] {
				return fmt.Errorf("unknown vault %q", v)
			}
		}
		if s.Action == ActionOptimize {
			return nil
		}
		if len(s.Adapters) > 0 && len(s.Adapters) != len(s.Weights) {
			return fmt.Errorf("%d adapters and %d weights", len(s.Adapters), len(s.Weights))
		}
		for _, m := range s.Adapters {
			if !markets[m] {
				return fmt.Errorf("unknown market %q", m)
			}
		}
		for _, w := range s.Weights {
			if _, err := fixedpoint.Parse(w); err != nil {
				return fmt.Errorf("weight: %w", err)
			}
		}
	}
	return nil
}

func checkFraction(s string) error {
	v, err := fixedpoint.Parse(s)
	if err != nil {
		return err
	}
	if !fixedpoint.IsFraction(v) {
		return fmt.Errorf("%s exceeds 1.0", s)
	}
	return nil
}
