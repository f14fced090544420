package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AllocationsUpdated carries the full allocation list after a change.
type AllocationsUpdated struct {
	Adapters []common.Address `json:"adapters"`
	Weights  []*uint256.Int   `json:"weights"`
}

func (AllocationsUpdated) EventName() string { return "AllocationsUpdated" }

// AdapterRemoved is emitted when an adapter leaves the allocation list.
type AdapterRemoved struct {
	Adapter common.Address `json:"adapter"`
}

func (AdapterRemoved) EventName() string { return "AdapterRemoved" }

// FeesClaimed reports the fee shares minted and their underlying value.
type FeesClaimed struct {
	Amount    *uint256.Int `json:"amount"`
	FeeShares *uint256.Int `json:"feeShares"`
}

func (FeesClaimed) EventName() string { return "FeesClaimed" }

type Deposited struct {
	Owner  common.Address `json:"owner"`
	Assets *uint256.Int   `json:"assets"`
	Shares *uint256.Int   `json:"shares"`
}

func (Deposited) EventName() string { return "Deposited" }

type Withdrawn struct {
	Owner  common.Address `json:"owner"`
	Assets *uint256.Int   `json:"assets"`
	Shares *uint256.Int   `json:"shares"`
}

func (Withdrawn) EventName() string { return "Withdrawn" }

// Rebalanced summarizes one executed rebalance.
type Rebalanced struct {
	NetYield        *uint256.Int `json:"netYield"`
	Withdrawn       *uint256.Int `json:"withdrawn"`
	Deposited       *uint256.Int `json:"deposited"`
	SkippedDeposits int          `json:"skippedDeposits"`
}

func (Rebalanced) EventName() string { return "Rebalanced" }

// ParameterUpdated is emitted by the owner setters.
type ParameterUpdated struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (ParameterUpdated) EventName() string { return "ParameterUpdated" }

// Swept is emitted when a stray token balance is rescued.
type Swept struct {
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (Swept) EventName() string { return "Swept" }
