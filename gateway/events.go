package gateway

import "github.com/ethereum/go-ethereum/common"

// BatchExecuted is emitted once every call of a batch succeeded.
type BatchExecuted struct {
	Origin common.Address   `json:"origin"`
	Vaults []common.Address `json:"vaults"`
}

func (BatchExecuted) EventName() string { return "BatchExecuted" }
