package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Event is a committed log entry.
type Event interface {
	EventName() string
}

// Log is a committed event together with the contract that emitted it.
type Log struct {
	Address common.Address
	Event   Event
}

// Transfer is emitted for every token movement. Mints come from and burns go
// to the zero address.
type Transfer struct {
	Token common.Address `json:"token"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *uint256.Int   `json:"value"`
}

func (Transfer) EventName() string { return "Transfer" }

// Approval is emitted when an allowance is set.
type Approval struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *uint256.Int   `json:"value"`
}

func (Approval) EventName() string { return "Approval" }

// Recorder collects committed logs. Useful as a Subscribe target.
type Recorder struct {
	Logs []Log
}

// Record appends log.
func (r *Recorder) Record(log Log) {
	r.Logs = append(r.Logs, log)
}

// Names returns the names of the recorded events in order.
func (r *Recorder) Names() []string {
	names := make([]string, len(r.Logs))
	for i, log := range r.Logs {
		names[i] = log.Event.EventName()
	}
	return names
}

// From returns the names of the events emitted by emitter, in order.
func (r *Recorder) From(emitter common.Address) []string {
	var names []string
	for _, log := range r.Logs {
		if log.Address == emitter {
			names = append(names, log.Event.EventName())
		}
	}
	return names
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.Logs = nil
}
