package vault

import (
	"context"
	"fmt"

	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SetReserveRatio sets the fraction of total value kept idle.
func (v *Vault) SetReserveRatio(ctx context.Context, caller ledger.Caller, ratio *uint256.Int) error {
	return v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.onlyOwner(caller); err != nil {
			return err
		}
		if !fixedpoint.IsFraction(ratio) {
			return fmt.Errorf("%w: reserve ratio %s", ErrInvalidFraction, fixedpoint.Format(ratio))
		}
		v.update(func(s *state) { s.reserveRatio = new(uint256.Int).Set(ratio) })
		v.ledger.Emit(ctx, v.address, ParameterUpdated{Name: "reserveRatio", Value: fixedpoint.Format(ratio)})
		return nil
	})
}

// SetPerformanceFee sets the fee fraction. Fees accrued so far are claimed
// at the old rate first.
func (v *Vault) SetPerformanceFee(ctx context.Context, caller ledger.Caller, fee *uint256.Int) error {
	return v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.onlyOwner(caller); err != nil {
			return err
		}
		if !fixedpoint.IsFraction(fee) {
			return fmt.Errorf("%w: performance fee %s", ErrInvalidFraction, fixedpoint.Format(fee))
		}
		if err := v.claimFees(ctx); err != nil {
			return err
		}
		v.update(func(s *state) { s.performanceFee = new(uint256.Int).Set(fee) })
		v.ledger.Emit(ctx, v.address, ParameterUpdated{Name: "performanceFee", Value: fixedpoint.Format(fee)})
		return nil
	})
}

// SetFeeRecipient redirects future fee shares. Fees accrued so far go to the
// previous recipient.
func (v *Vault) SetFeeRecipient(ctx context.Context, caller ledger.Caller, recipient common.Address) error {
	return v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.onlyOwner(caller); err != nil {
			return err
		}
		if recipient == (common.Address{}) {
			return ErrNull
		}
		if err := v.claimFees(ctx); err != nil {
			return err
		}
		v.update(func(s *state) { s.feeRecipient = recipient })
		v.ledger.Emit(ctx, v.address, ParameterUpdated{Name: "feeRecipient", Value: recipient.Hex()})
		return nil
	})
}

// SetRebalancer changes the account allowed to rebalance besides the owner.
// The zero address disables it.
func (v *Vault) SetRebalancer(ctx context.Context, caller ledger.Caller, rebalancer common.Address) error {
	return v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.onlyOwner(caller); err != nil {
			return err
		}
		v.update(func(s *state) { s.rebalancer = rebalancer })
		v.ledger.Emit(ctx, v.address, ParameterUpdated{Name: "rebalancer", Value: rebalancer.Hex()})
		return nil
	})
}

// Sweep sends the vault's whole balance of a stray token to to. The asset
// and the receipt tokens of allocated adapters cannot be swept.
func (v *Vault) Sweep(ctx context.Context, caller ledger.Caller, token, to common.Address) (*uint256.Int, error) {
	var swept *uint256.Int
	err := v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.onlyOwner(caller); err != nil {
			return err
		}
		if token == v.asset.Address() || v.state.locked.Contains(token) {
			return fmt.Errorf("%w: %s", ErrLockedToken, token)
		}
		if to == (common.Address{}) {
			return ErrNull
		}
		t, err := tokenAt(v.ledger, token)
		if err != nil {
			return err
		}
		swept = t.BalanceOf(v.address)
		if swept.IsZero() {
			return nil
		}
		if err := t.Transfer(ctx, caller.Via(v.address), to, swept); err != nil {
			return err
		}
		v.ledger.Emit(ctx, v.address, Swept{Token: token, To: to, Amount: new(uint256.Int).Set(swept)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}
