// Package simulated implements a utilization-curve lending market that
// satisfies adapter.Adapter. It backs the simulator binary and the tests of
// every package above the adapter boundary.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/defistate/yield-allocator-go/adapter"
	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Protocol is the identifier the market registers under in an adapter.Factory.
const Protocol adapter.ProtocolID = "simulated-lending"

var (
	// ErrInsufficientLiquidity is returned when the market cannot pay out.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")
	// ErrZeroAmount is returned for deposits or redemptions that round to nothing.
	ErrZeroAmount = errors.New("market: zero amount")
	// ErrUnknownAsset is returned when the underlying is not a ledger token.
	ErrUnknownAsset = errors.New("market: underlying is not a token")
)

// Config describes one market.
type Config struct {
	Ledger     *ledger.Ledger
	Address    common.Address
	Underlying common.Address
	// ReceiptSymbol names the receipt token, e.g. "cUSDC".
	ReceiptSymbol string
	// BaseYield and Slope define yield = BaseYield + Slope * utilization.
	BaseYield *uint256.Int
	Slope     *uint256.Int
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errors.New("config: Ledger is required")
	}
	if c.Address == (common.Address{}) {
		return errors.New("config: Address is required")
	}
	if c.Underlying == (common.Address{}) {
		return errors.New("config: Underlying is required")
	}
	if c.BaseYield == nil || c.Slope == nil {
		return errors.New("config: BaseYield and Slope are required")
	}
	if c.ReceiptSymbol == "" {
		c.ReceiptSymbol = "r" + c.Address.Hex()[2:8]
	}
	return nil
}

// Market is a lending pool. Suppliers receive receipt tokens whose exchange
// rate grows as borrows accrue interest. Cash is the market's underlying
// balance; available liquidity is cash, optionally capped.
type Market struct {
	ledger     *ledger.Ledger
	address    common.Address
	underlying *ledger.Token
	receipt    *ledger.Token
	minter     *ledger.Minter
	baseYield  *uint256.Int
	slope      *uint256.Int

	// mu guards state. Fields are replaced, never mutated, so a copy taken
	// under mu stays consistent.
	mu    sync.RWMutex
	state marketState
}

type marketState struct {
	borrows *uint256.Int
	// liquidityCap is nil when liquidity is not capped.
	liquidityCap *uint256.Int
}

var _ adapter.Adapter = (*Market)(nil)

func (m *Market) view() marketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Market) update(fn func(s *marketState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
}

// New deploys a market and its receipt token.
func New(cfg Config) (*Market, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, ok := cfg.Ledger.Contract(cfg.Underlying)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, cfg.Underlying)
	}
	underlying, ok := c.(*ledger.Token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, cfg.Underlying)
	}

	receipt, minter, err := ledger.NewToken(cfg.Ledger, cfg.Ledger.NextAddress(cfg.Address), cfg.ReceiptSymbol, underlying.Decimals())
	if err != nil {
		return nil, err
	}

	m := &Market{
		ledger:     cfg.Ledger,
		address:    cfg.Address,
		underlying: underlying,
		receipt:    receipt,
		minter:     minter,
		baseYield:  new(uint256.Int).Set(cfg.BaseYield),
		slope:      new(uint256.Int).Set(cfg.Slope),
		state:      marketState{borrows: new(uint256.Int)},
	}
	if err := cfg.Ledger.Deploy(cfg.Address, m); err != nil {
		return nil, fmt.Errorf("failed to deploy market: %w", err)
	}
	return m, nil
}

// Constructor adapts New to adapter.Factory. Recognized params are
// "base_yield", "slope" (decimal fractions) and "receipt_symbol".
func Constructor(l *ledger.Ledger, address, underlying common.Address, params map[string]string) (adapter.Adapter, error) {
	base, err := fixedpoint.Parse(paramOr(params, "base_yield", "0"))
	if err != nil {
		return nil, fmt.Errorf("base_yield: %w", err)
	}
	slope, err := fixedpoint.Parse(paramOr(params, "slope", "0"))
	if err != nil {
		return nil, fmt.Errorf("slope: %w", err)
	}
	return New(Config{
		Ledger:        l,
		Address:       address,
		Underlying:    underlying,
		ReceiptSymbol: params["receipt_symbol"],
		BaseYield:     base,
		Slope:         slope,
	})
}

func paramOr(params map[string]string, key, fallback string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (m *Market) Address() common.Address         { return m.address }
func (m *Market) UnderlyingAsset() common.Address { return m.underlying.Address() }
func (m *Market) ReceiptToken() common.Address    { return m.receipt.Address() }

// Cash is the underlying held by the market.
func (m *Market) Cash() *uint256.Int {
	return m.underlying.BalanceOf(m.address)
}

// Borrows is the outstanding debt including accrued interest.
func (m *Market) Borrows() *uint256.Int {
	return new(uint256.Int).Set(m.view().borrows)
}

// TotalAssets is cash plus borrows.
func (m *Market) TotalAssets() *uint256.Int {
	return new(uint256.Int).Add(m.Cash(), m.view().borrows)
}

// Deposit pulls amount of underlying from the caller and mints receipt
// tokens to it at the current exchange rate.
func (m *Market) Deposit(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error) {
	var minted *uint256.Int
	err := m.ledger.Execute(ctx, func(ctx context.Context) error {
		minted = m.ExchangeRateToReceipt(amount)
		if minted.IsZero() {
			return ErrZeroAmount
		}
		if err := m.underlying.TransferFrom(ctx, caller.Via(m.address), caller.Sender, m.address, amount); err != nil {
			return err
		}
		return m.minter.Mint(ctx, caller.Sender, minted)
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw redeems receiptAmount for underlying.
func (m *Market) Withdraw(ctx context.Context, caller ledger.Caller, receiptAmount *uint256.Int) (*uint256.Int, error) {
	var paid *uint256.Int
	err := m.ledger.Execute(ctx, func(ctx context.Context) error {
		paid = m.ExchangeRateToUnderlying(receiptAmount)
		return m.redeem(ctx, caller, receiptAmount, paid)
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// WithdrawAll redeems the caller's whole receipt balance.
func (m *Market) WithdrawAll(ctx context.Context, caller ledger.Caller) (*uint256.Int, error) {
	return m.Withdraw(ctx, caller, m.receipt.BalanceOf(caller.Sender))
}

// WithdrawUnderlying pays out exactly amount, burning the receipt tokens
// needed rounded up.
func (m *Market) WithdrawUnderlying(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error) {
	err := m.ledger.Execute(ctx, func(ctx context.Context) error {
		return m.redeem(ctx, caller, m.receiptForUnderlyingRoundUp(amount), amount)
	})
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(amount), nil
}

// WithdrawUnderlyingUpTo pays out the lesser of amount, the available
// liquidity and the caller's position.
func (m *Market) WithdrawUnderlyingUpTo(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error) {
	position := m.BalanceUnderlying(caller.Sender)
	actual := fixedpoint.Min(amount, m.AvailableLiquidity())
	actual = fixedpoint.Min(actual, position)
	if actual.IsZero() {
		return actual, nil
	}
	if actual.Eq(position) {
		// closing the position burns every receipt token, leaving no dust
		err := m.ledger.Execute(ctx, func(ctx context.Context) error {
			return m.redeem(ctx, caller, m.receipt.BalanceOf(caller.Sender), actual)
		})
		if err != nil {
			return nil, err
		}
		return actual, nil
	}
	return m.WithdrawUnderlying(ctx, caller, actual)
}

func (m *Market) redeem(ctx context.Context, caller ledger.Caller, receiptAmount, underlyingAmount *uint256.Int) error {
	if receiptAmount.IsZero() || underlyingAmount.IsZero() {
		return ErrZeroAmount
	}
	if available := m.AvailableLiquidity(); available.Lt(underlyingAmount) {
		return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, underlyingAmount.Dec(), available.Dec())
	}
	self := caller.Via(m.address)
	if err := m.receipt.TransferFrom(ctx, self, caller.Sender, m.address, receiptAmount); err != nil {
		return err
	}
	if err := m.minter.Burn(ctx, m.address, receiptAmount); err != nil {
		return err
	}
	m.update(func(s *marketState) {
		if s.liquidityCap != nil {
			s.liquidityCap = new(uint256.Int).Sub(s.liquidityCap, underlyingAmount)
		}
	})
	return m.underlying.Transfer(ctx, self, caller.Sender, underlyingAmount)
}

func (m *Market) BalanceReceiptTokens(account common.Address) *uint256.Int {
	return m.receipt.BalanceOf(account)
}

func (m *Market) BalanceUnderlying(account common.Address) *uint256.Int {
	return m.ExchangeRateToUnderlying(m.receipt.BalanceOf(account))
}

// AvailableLiquidity is the cash that can be paid out right now.
func (m *Market) AvailableLiquidity() *uint256.Int {
	cash, liquidityCap := m.Cash(), m.view().liquidityCap
	if liquidityCap == nil {
		return cash
	}
	return fixedpoint.Min(cash, liquidityCap)
}

func (m *Market) CurrentYield() *uint256.Int {
	return m.yieldAt(m.Cash())
}

// HypotheticalYield is the yield once delta of cash has been added (or
// removed, for a negative delta). Cash is floored at zero.
func (m *Market) HypotheticalYield(delta *big.Int) *uint256.Int {
	cash := m.Cash().ToBig()
	cash.Add(cash, delta)
	if cash.Sign() < 0 {
		cash.SetInt64(0)
	}
	c, overflow := uint256.FromBig(cash)
	if overflow {
		c = new(uint256.Int).SetAllOne()
	}
	return m.yieldAt(c)
}

// yieldAt is base + slope * borrows / (cash + borrows).
func (m *Market) yieldAt(cash *uint256.Int) *uint256.Int {
	borrows := m.view().borrows
	total, overflow := new(uint256.Int).AddOverflow(cash, borrows)
	if overflow || total.IsZero() {
		return new(uint256.Int).Set(m.baseYield)
	}
	utilization, err := fixedpoint.Frac(borrows, total)
	if err != nil {
		return new(uint256.Int).Set(m.baseYield)
	}
	variable, err := fixedpoint.MulFrac(m.slope, utilization)
	if err != nil {
		return new(uint256.Int).Set(m.baseYield)
	}
	return variable.Add(variable, m.baseYield)
}

// ExchangeRateToUnderlying converts receipt tokens to underlying, rounding down.
func (m *Market) ExchangeRateToUnderlying(receiptAmount *uint256.Int) *uint256.Int {
	supply := m.receipt.TotalSupply()
	if supply.IsZero() {
		return new(uint256.Int).Set(receiptAmount)
	}
	out, err := fixedpoint.MulDiv(receiptAmount, m.TotalAssets(), supply)
	if err != nil {
		return new(uint256.Int)
	}
	return out
}

// ExchangeRateToReceipt converts underlying to receipt tokens, rounding down.
func (m *Market) ExchangeRateToReceipt(underlyingAmount *uint256.Int) *uint256.Int {
	supply := m.receipt.TotalSupply()
	assets := m.TotalAssets()
	if supply.IsZero() || assets.IsZero() {
		return new(uint256.Int).Set(underlyingAmount)
	}
	out, err := fixedpoint.MulDiv(underlyingAmount, supply, assets)
	if err != nil {
		return new(uint256.Int)
	}
	return out
}

func (m *Market) receiptForUnderlyingRoundUp(amount *uint256.Int) *uint256.Int {
	supply := m.receipt.TotalSupply()
	assets := m.TotalAssets()
	if supply.IsZero() || assets.IsZero() {
		return new(uint256.Int).Set(amount)
	}
	num, overflow := new(uint256.Int).MulOverflow(amount, supply)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	q, r := new(uint256.Int).DivMod(num, assets, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// Borrow lends amount of cash to borrower.
func (m *Market) Borrow(ctx context.Context, borrower common.Address, amount *uint256.Int) error {
	return m.ledger.Execute(ctx, func(ctx context.Context) error {
		if m.Cash().Lt(amount) {
			return fmt.Errorf("%w: borrow %s exceeds cash %s", ErrInsufficientLiquidity, amount.Dec(), m.Cash().Dec())
		}
		m.update(func(s *marketState) { s.borrows = new(uint256.Int).Add(s.borrows, amount) })
		return m.underlying.Transfer(ctx, ledger.External(m.address), borrower, amount)
	})
}

// Repay pulls amount of underlying from the caller against outstanding borrows.
func (m *Market) Repay(ctx context.Context, caller ledger.Caller, amount *uint256.Int) error {
	return m.ledger.Execute(ctx, func(ctx context.Context) error {
		if m.state.borrows.Lt(amount) {
			return fmt.Errorf("market: repay %s exceeds borrows %s", amount.Dec(), m.state.borrows.Dec())
		}
		if err := m.underlying.TransferFrom(ctx, caller.Via(m.address), caller.Sender, m.address, amount); err != nil {
			return err
		}
		m.update(func(s *marketState) { s.borrows = new(uint256.Int).Sub(s.borrows, amount) })
		return nil
	})
}

// Accrue grows borrows by rate, a fraction of one. The interest is owed to
// suppliers and shows up in the receipt exchange rate.
func (m *Market) Accrue(ctx context.Context, rate *uint256.Int) error {
	return m.ledger.Execute(ctx, func(ctx context.Context) error {
		interest, err := fixedpoint.MulFrac(m.state.borrows, rate)
		if err != nil {
			return err
		}
		m.update(func(s *marketState) { s.borrows = new(uint256.Int).Add(s.borrows, interest) })
		return nil
	})
}

// SetAvailable caps the liquidity the market pays out until further
// redemptions consume it. A nil cap removes the limit.
func (m *Market) SetAvailable(ctx context.Context, liquidityCap *uint256.Int) error {
	return m.ledger.Execute(ctx, func(ctx context.Context) error {
		var next *uint256.Int
		if liquidityCap != nil {
			next = new(uint256.Int).Set(liquidityCap)
		}
		m.update(func(s *marketState) { s.liquidityCap = next })
		return nil
	})
}

// Snapshot implements ledger.Stateful.
func (m *Market) Snapshot() any {
	s := marketState{borrows: new(uint256.Int).Set(m.state.borrows)}
	if m.state.liquidityCap != nil {
		s.liquidityCap = new(uint256.Int).Set(m.state.liquidityCap)
	}
	return s
}

// Restore implements ledger.Stateful.
func (m *Market) Restore(snapshot any) {
	m.update(func(s *marketState) { *s = snapshot.(marketState) })
}

// String describes the market for logs.
func (m *Market) String() string {
	return fmt.Sprintf("%s@%s utilization=%s", m.receipt.Symbol(), m.address.Hex(), fixedpoint.Format(m.utilization()))
}

func (m *Market) utilization() *uint256.Int {
	borrows := m.view().borrows
	total := new(uint256.Int).Add(m.Cash(), borrows)
	if total.IsZero() {
		return new(uint256.Int)
	}
	u, err := fixedpoint.Frac(borrows, total)
	if err != nil {
		return new(uint256.Int)
	}
	return u
}
