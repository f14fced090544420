package vault

import (
	"context"
	"fmt"

	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/holiman/uint256"
)

// Deposit moves amount of the asset from the caller into the vault's idle
// reserve and mints shares for it at the pre-deposit price. Funds reach the
// adapters on the next rebalance.
func (v *Vault) Deposit(ctx context.Context, caller ledger.Caller, amount *uint256.Int) (*uint256.Int, error) {
	var minted *uint256.Int
	err := v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.claimFees(ctx); err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrZeroAmount
		}
		shares, err := v.ConvertToShares(amount)
		if err != nil {
			return err
		}
		if shares.IsZero() {
			return fmt.Errorf("%w: %s assets", ErrZeroShares, amount.Dec())
		}
		self := caller.Via(v.address)
		if err := v.asset.TransferFrom(ctx, self, caller.Sender, v.address, amount); err != nil {
			return err
		}
		if err := v.minter.Mint(ctx, caller.Sender, shares); err != nil {
			return err
		}
		minted = shares
		v.ledger.Emit(ctx, v.address, Deposited{Owner: caller.Sender, Assets: new(uint256.Int).Set(amount), Shares: new(uint256.Int).Set(shares)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw burns shares from the caller and pays out their underlying value,
// pulling from the idle reserve first and then from the adapters in list
// order. It fails as a whole when the adapters cannot free enough.
func (v *Vault) Withdraw(ctx context.Context, caller ledger.Caller, shares *uint256.Int) (*uint256.Int, error) {
	var paid *uint256.Int
	err := v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.claimFees(ctx); err != nil {
			return err
		}
		if shares.IsZero() {
			return ErrZeroAmount
		}
		if balance := v.shares.BalanceOf(caller.Sender); balance.Lt(shares) {
			return fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientShares, caller.Sender, balance.Dec(), shares.Dec())
		}
		entitled, err := v.ConvertToAssets(shares)
		if err != nil {
			return err
		}
		if entitled.IsZero() {
			return fmt.Errorf("%w: %s shares are worth nothing", ErrZeroAmount, shares.Dec())
		}
		if err := v.minter.Burn(ctx, caller.Sender, shares); err != nil {
			return err
		}
		if err := v.gather(ctx, caller, entitled); err != nil {
			return err
		}
		if err := v.asset.Transfer(ctx, caller.Via(v.address), caller.Sender, entitled); err != nil {
			return err
		}
		paid = entitled
		v.ledger.Emit(ctx, v.address, Withdrawn{Owner: caller.Sender, Assets: new(uint256.Int).Set(entitled), Shares: new(uint256.Int).Set(shares)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// gather makes sure the vault holds at least need idle. Adapters with zero
// weight whose position reaches zero on the way are dropped from the list.
func (v *Vault) gather(ctx context.Context, caller ledger.Caller, need *uint256.Int) error {
	idle := v.Idle()
	if !idle.Lt(need) {
		return nil
	}
	shortfall := new(uint256.Int).Sub(need, idle)
	self := caller.Via(v.address)

	for i := 0; i < len(v.state.allocations) && !shortfall.IsZero(); {
		alloc := v.state.allocations[i]
		a, ok := v.handle(alloc.Adapter)
		if !ok {
			i++
			continue
		}
		ask := fixedpoint.Min(shortfall, a.AvailableLiquidity())
		if !ask.IsZero() {
			got, err := a.WithdrawUnderlyingUpTo(ctx, self, ask)
			if err != nil {
				return fmt.Errorf("withdraw from %s: %w", alloc.Adapter, err)
			}
			shortfall.Sub(shortfall, fixedpoint.Min(got, shortfall))
		}
		if alloc.Weight.IsZero() && a.BalanceUnderlying(v.address).IsZero() {
			if err := v.removeAllocation(i); err != nil {
				return err
			}
			v.drop(ctx, alloc.Adapter)
			continue
		}
		i++
	}

	if !shortfall.IsZero() {
		return fmt.Errorf("%w: short by %s after draining every adapter", ErrInsufficientLiquidity, shortfall.Dec())
	}
	return nil
}

// ClaimFees mints the performance fee on appreciation since the last claim
// and returns the fee shares minted.
func (v *Vault) ClaimFees(ctx context.Context, caller ledger.Caller) (*uint256.Int, error) {
	var minted *uint256.Int
	err := v.ledger.Execute(ctx, func(ctx context.Context) error {
		before := v.shares.BalanceOf(v.state.feeRecipient)
		if err := v.claimFees(ctx); err != nil {
			return err
		}
		minted = v.shares.BalanceOf(v.state.feeRecipient)
		minted.Sub(minted, before)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// claimFees dilutes holders by
//
//	fee * (price - priceAtLastFee) * supply / price
//
// shares and moves priceAtLastFee up to the post-mint price. It never lowers
// priceAtLastFee and does nothing without appreciation.
func (v *Vault) claimFees(ctx context.Context) error {
	supply := v.shares.TotalSupply()
	if supply.IsZero() {
		return nil
	}
	price := v.PricePerShare()
	last := v.state.priceAtLastFee
	if !price.Gt(last) {
		return nil
	}

	gain := new(uint256.Int).Sub(price, last)
	feePerShare, err := fixedpoint.MulFrac(gain, v.state.performanceFee)
	if err != nil {
		return err
	}
	feeShares, err := fixedpoint.MulDiv(feePerShare, supply, price)
	if err != nil {
		return err
	}
	if !feeShares.IsZero() {
		if err := v.minter.Mint(ctx, v.state.feeRecipient, feeShares); err != nil {
			return err
		}
		amount, err := v.ConvertToAssets(feeShares)
		if err != nil {
			return err
		}
		v.ledger.Emit(ctx, v.address, FeesClaimed{Amount: amount, FeeShares: new(uint256.Int).Set(feeShares)})
	}

	post := v.PricePerShare()
	if post.Gt(last) {
		v.update(func(s *state) { s.priceAtLastFee = post })
	}
	return nil
}
