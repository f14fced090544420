package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when an account cannot cover a debit.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAllowance is returned when a spender exceeds its allowance.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")

	// maxUint256 is the unlimited allowance. It MUST NOT be modified.
	maxUint256 = new(uint256.Int).SetAllOne()
)

// MaxAllowance returns a fresh unlimited allowance value.
func MaxAllowance() *uint256.Int {
	return new(uint256.Int).Set(maxUint256)
}

// Token is an ERC20-style balance sheet deployed on the ledger.
//
// State is only written by the call holding the ledger; mu lets views run
// concurrently with it.
type Token struct {
	ledger   *Ledger
	address  common.Address
	symbol   string
	decimals uint8

	mu    sync.RWMutex
	state tokenState
}

type tokenState struct {
	totalSupply *uint256.Int
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
}

// Minter is the capability to create and destroy units of a token. It is
// handed out only to the token's creator.
type Minter struct {
	token *Token
}

// NewToken deploys a token at addr and returns it with its mint capability.
func NewToken(l *Ledger, addr common.Address, symbol string, decimals uint8) (*Token, *Minter, error) {
	t := &Token{
		ledger:   l,
		address:  addr,
		symbol:   symbol,
		decimals: decimals,
		state: tokenState{
			totalSupply: new(uint256.Int),
			balances:    make(map[common.Address]*uint256.Int),
			allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
		},
	}
	if err := l.Deploy(addr, t); err != nil {
		return nil, nil, fmt.Errorf("failed to deploy token %s: %w", symbol, err)
	}
	return t, &Minter{token: t}, nil
}

// Address is where the token is deployed.
func (t *Token) Address() common.Address { return t.address }

// Symbol is the ticker the token was created with.
func (t *Token) Symbol() string { return t.symbol }

// Decimals is the number of fractional digits of one unit.
func (t *Token) Decimals() uint8 { return t.decimals }

// TotalSupply returns a copy of the total supply.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(uint256.Int).Set(t.state.totalSupply)
}

// BalanceOf returns a copy of account's balance.
func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceOf(account)
}

func (t *Token) balanceOf(account common.Address) *uint256.Int {
	if b, ok := t.state.balances[account]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Allowance returns a copy of what spender may move on behalf of owner.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.state.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Transfer moves amount from the caller to to.
func (t *Token) Transfer(ctx context.Context, caller Caller, to common.Address, amount *uint256.Int) error {
	return t.ledger.Execute(ctx, func(ctx context.Context) error {
		return t.move(ctx, caller.Sender, to, amount)
	})
}

// TransferFrom moves amount from from to to using the caller's allowance.
func (t *Token) TransferFrom(ctx context.Context, caller Caller, from, to common.Address, amount *uint256.Int) error {
	return t.ledger.Execute(ctx, func(ctx context.Context) error {
		spender := caller.Sender
		if spender != from {
			allowance := t.Allowance(from, spender)
			if allowance.Lt(amount) {
				return fmt.Errorf("%w: %s spender %s has %s, needs %s", ErrInsufficientAllowance, t.symbol, spender, allowance.Dec(), amount.Dec())
			}
			if !allowance.Eq(maxUint256) {
				t.setAllowance(from, spender, allowance.Sub(allowance, amount))
			}
		}
		return t.move(ctx, from, to, amount)
	})
}

// Approve sets the caller's allowance for spender.
func (t *Token) Approve(ctx context.Context, caller Caller, spender common.Address, amount *uint256.Int) error {
	return t.ledger.Execute(ctx, func(ctx context.Context) error {
		if spender == (common.Address{}) {
			return ErrNullAddress
		}
		t.setAllowance(caller.Sender, spender, new(uint256.Int).Set(amount))
		t.ledger.Emit(ctx, t.address, Approval{Token: t.address, Owner: caller.Sender, Spender: spender, Value: new(uint256.Int).Set(amount)})
		return nil
	})
}

func (t *Token) setAllowance(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.state.allowances[owner]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		t.state.allowances[owner] = m
	}
	m[spender] = amount
}

func (t *Token) move(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrNullAddress
	}
	balance := t.BalanceOf(from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s account %s has %s, needs %s", ErrInsufficientBalance, t.symbol, from, balance.Dec(), amount.Dec())
	}
	t.mu.Lock()
	t.state.balances[from] = balance.Sub(balance, amount)
	t.state.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
	t.mu.Unlock()
	t.ledger.Emit(ctx, t.address, Transfer{Token: t.address, From: from, To: to, Value: new(uint256.Int).Set(amount)})
	return nil
}

// Token returns the token this capability mints.
func (m *Minter) Token() *Token { return m.token }

// Mint creates amount new units for to.
func (m *Minter) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	t := m.token
	return t.ledger.Execute(ctx, func(ctx context.Context) error {
		if to == (common.Address{}) {
			return ErrNullAddress
		}
		supply, overflow := new(uint256.Int).AddOverflow(t.state.totalSupply, amount)
		if overflow {
			return fmt.Errorf("%s: total supply overflow", t.symbol)
		}
		t.mu.Lock()
		t.state.totalSupply = supply
		t.state.balances[to] = new(uint256.Int).Add(t.balanceOf(to), amount)
		t.mu.Unlock()
		t.ledger.Emit(ctx, t.address, Transfer{Token: t.address, From: common.Address{}, To: to, Value: new(uint256.Int).Set(amount)})
		return nil
	})
}

// Burn destroys amount units held by from.
func (m *Minter) Burn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	t := m.token
	return t.ledger.Execute(ctx, func(ctx context.Context) error {
		balance := t.BalanceOf(from)
		if balance.Lt(amount) {
			return fmt.Errorf("%w: %s account %s has %s, burning %s", ErrInsufficientBalance, t.symbol, from, balance.Dec(), amount.Dec())
		}
		t.mu.Lock()
		t.state.balances[from] = balance.Sub(balance, amount)
		t.state.totalSupply = new(uint256.Int).Sub(t.state.totalSupply, amount)
		t.mu.Unlock()
		t.ledger.Emit(ctx, t.address, Transfer{Token: t.address, From: from, To: common.Address{}, Value: new(uint256.Int).Set(amount)})
		return nil
	})
}

// Snapshot implements Stateful.
func (t *Token) Snapshot() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := tokenState{
		totalSupply: new(uint256.Int).Set(t.state.totalSupply),
		balances:    make(map[common.Address]*uint256.Int, len(t.state.balances)),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int, len(t.state.allowances)),
	}
	for k, v := range t.state.balances {
		s.balances[k] = new(uint256.Int).Set(v)
	}
	for owner, m := range t.state.allowances {
		mc := make(map[common.Address]*uint256.Int, len(m))
		for spender, v := range m {
			mc[spender] = new(uint256.Int).Set(v)
		}
		s.allowances[owner] = mc
	}
	return s
}

// Restore implements Stateful.
func (t *Token) Restore(snapshot any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = snapshot.(tokenState)
}
