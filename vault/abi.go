package vault

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Method names of the encoded rebalance entry points.
const (
	MethodRebalance                = "rebalance"
	MethodRebalanceWithNewAdapters = "rebalanceWithNewAdapters"
	MethodRebalanceWithNewWeights  = "rebalanceWithNewWeights"
)

const abiJSON = `[
	{"type":"function","name":"rebalance","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"rebalanceWithNewAdapters","stateMutability":"nonpayable","inputs":[
		{"name":"newAdapters","type":"address[]"},
		{"name":"newWeights","type":"uint256[]"}
	],"outputs":[]},
	{"type":"function","name":"rebalanceWithNewWeights","stateMutability":"nonpayable","inputs":[
		{"name":"newWeights","type":"uint256[]"}
	],"outputs":[]}
]`

// ABI describes the calls a vault accepts through Call.
var ABI = mustParseABI(abiJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("vault: invalid ABI: %v", err))
	}
	return parsed
}

// Selector returns the 4-byte selector of a vault method.
func Selector(method string) []byte {
	m, ok := ABI.Methods[method]
	if !ok {
		return nil
	}
	return bytes.Clone(m.ID)
}

// RebalanceSelectors are the selectors of the three rebalance entry points.
func RebalanceSelectors() [][]byte {
	return [][]byte{
		Selector(MethodRebalance),
		Selector(MethodRebalanceWithNewAdapters),
		Selector(MethodRebalanceWithNewWeights),
	}
}

// EncodeRebalance encodes rebalance().
func EncodeRebalance() ([]byte, error) {
	return ABI.Pack(MethodRebalance)
}

// EncodeRebalanceWithNewAdapters encodes rebalanceWithNewAdapters(address[],uint256[]).
func EncodeRebalanceWithNewAdapters(adapters []common.Address, weights []*uint256.Int) ([]byte, error) {
	return ABI.Pack(MethodRebalanceWithNewAdapters, adapters, toBig(weights))
}

// EncodeRebalanceWithNewWeights encodes rebalanceWithNewWeights(uint256[]).
func EncodeRebalanceWithNewWeights(weights []*uint256.Int) ([]byte, error) {
	return ABI.Pack(MethodRebalanceWithNewWeights, toBig(weights))
}

func toBig(values []*uint256.Int) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = v.ToBig()
	}
	return out
}

func fromBig(values []*big.Int) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(values))
	for i, v := range values {
		u, overflow := uint256.FromBig(v)
		if overflow {
			return nil, fmt.Errorf("%w: weight %d overflows", ErrInvalidWeights, i)
		}
		out[i] = u
	}
	return out, nil
}

// Call implements ledger.Callable. Unknown selectors and malformed arguments
// revert silently; failures of the rebalance itself revert with their
// error as the reason.
func (v *Vault) Call(ctx context.Context, caller ledger.Caller, input []byte) error {
	if len(input) < 4 {
		return ledger.Revert("")
	}
	method, err := ABI.MethodById(input[:4])
	if err != nil {
		return ledger.Revert("")
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return ledger.Revert("")
	}

	switch method.Name {
	case MethodRebalance:
		_, err = v.Rebalance(ctx, caller)
	case MethodRebalanceWithNewAdapters:
		adapters, ok1 := args[0].([]common.Address)
		raw, ok2 := args[1].([]*big.Int)
		if !ok1 || !ok2 {
			return ledger.Revert("")
		}
		weights, convErr := fromBig(raw)
		if convErr != nil {
			return ledger.RevertWith(convErr)
		}
		_, err = v.RebalanceWithNewAdapters(ctx, caller, adapters, weights)
	case MethodRebalanceWithNewWeights:
		raw, ok := args[0].([]*big.Int)
		if !ok {
			return ledger.Revert("")
		}
		weights, convErr := fromBig(raw)
		if convErr != nil {
			return ledger.RevertWith(convErr)
		}
		_, err = v.RebalanceWithNewWeights(ctx, caller, weights)
	default:
		return ledger.Revert("")
	}
	if err != nil {
		return ledger.RevertWith(err)
	}
	return nil
}
