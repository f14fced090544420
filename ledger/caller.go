package ledger

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Caller is the authorization context of a call: the immediate sender and the
// externally-owned account that initiated the outermost call.
type Caller struct {
	Sender common.Address
	Origin common.Address
}

// External returns the caller context of a call initiated directly by account.
func External(account common.Address) Caller {
	return Caller{Sender: account, Origin: account}
}

// IsExternal reports whether the call was made directly by an external
// actor rather than nested inside another contract.
func (c Caller) IsExternal() bool {
	return c.Sender == c.Origin
}

// Via returns the caller context seen by a contract that contract calls
// while handling c.
func (c Caller) Via(contract common.Address) Caller {
	return Caller{Sender: contract, Origin: c.Origin}
}

// RevertError is a failed call. An empty Reason is a silent revert. Err, when
// set, is the error the reason was taken from.
type RevertError struct {
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() error { return e.Err }

// Revert returns a RevertError carrying reason.
func Revert(reason string) error {
	return &RevertError{Reason: reason}
}

// RevertWith turns err into a reason-bearing revert that still matches err
// under errors.Is.
func RevertWith(err error) error {
	var revert *RevertError
	if errors.As(err, &revert) {
		return err
	}
	return &RevertError{Reason: err.Error(), Err: err}
}
