// Package packedpair packs an (adapter address, weight) pair into a single
// 256-bit word: the address occupies the high 160 bits and the weight the
// low 96 bits.
package packedpair

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WeightBits is the width of the weight field.
const WeightBits = 96

var (
	// weightMask selects the low 96 bits. It MUST NOT be modified.
	weightMask = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), WeightBits), uint256.NewInt(1))

	// ErrWeightOverflow is returned when a weight does not fit in 96 bits.
	ErrWeightOverflow = errors.New("packedpair: weight exceeds 96 bits")
	// ErrLengthMismatch is returned when adapter and weight lists differ in length.
	ErrLengthMismatch = errors.New("packedpair: length mismatch")
)

// Encode packs adapter and weight into one word.
func Encode(adapter common.Address, weight *uint256.Int) (*uint256.Int, error) {
	if weight.Gt(weightMask) {
		return nil, fmt.Errorf("%w: %s", ErrWeightOverflow, weight.Dec())
	}
	word := new(uint256.Int).SetBytes20(adapter.Bytes())
	word.Lsh(word, WeightBits)
	return word.Or(word, weight), nil
}

// Decode unpacks a word produced by Encode.
func Decode(word *uint256.Int) (common.Address, *uint256.Int) {
	weight := new(uint256.Int).And(word, weightMask)
	addrWord := new(uint256.Int).Rsh(word, WeightBits)
	b := addrWord.Bytes20()
	return common.BytesToAddress(b[:]), weight
}

// EncodeAll packs parallel adapter and weight lists, preserving order.
func EncodeAll(adapters []common.Address, weights []*uint256.Int) ([]*uint256.Int, error) {
	if len(adapters) != len(weights) {
		return nil, fmt.Errorf("%w: %d adapters and %d weights", ErrLengthMismatch, len(adapters), len(weights))
	}
	words := make([]*uint256.Int, len(adapters))
	for i := range adapters {
		w, err := Encode(adapters[i], weights[i])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		words[i] = w
	}
	return words, nil
}

// DecodeAll unpacks words into parallel adapter and weight lists.
func DecodeAll(words []*uint256.Int) ([]common.Address, []*uint256.Int) {
	adapters := make([]common.Address, len(words))
	weights := make([]*uint256.Int, len(words))
	for i, w := range words {
		adapters[i], weights[i] = Decode(w)
	}
	return adapters, weights
}
