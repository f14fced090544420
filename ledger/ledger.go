// Package ledger is the host the allocator runs on: a strictly serialized,
// single-writer store of deployed contracts. Every top-level call executes to
// completion under one lock and is either committed as a whole or rolled back
// as a whole, together with the events it emitted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNullAddress is returned when the zero address is used where it is not allowed.
	ErrNullAddress = errors.New("ledger: null address")
	// ErrAlreadyDeployed is returned when an address is already occupied.
	ErrAlreadyDeployed = errors.New("ledger: address already deployed")
	// ErrNoContract is returned when no contract is deployed at an address.
	ErrNoContract = errors.New("ledger: no contract at address")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stateful is implemented by contracts whose state takes part in rollback.
//
// CONTRACT: Snapshot must return a deep copy; Restore must accept exactly the
// value a previous Snapshot returned.
type Stateful interface {
	Snapshot() any
	Restore(snapshot any)
}

// Callable is implemented by contracts that accept encoded calls.
type Callable interface {
	Call(ctx context.Context, caller Caller, input []byte) error
}

// Config holds the configuration for a Ledger.
type Config struct {
	Logger Logger
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// Ledger serializes execution and owns the contract directory.
type Ledger struct {
	// mu is held for the whole duration of an outermost call.
	mu sync.Mutex

	dirMu     sync.RWMutex
	contracts map[common.Address]any
	order     []common.Address
	nonces    map[common.Address]uint64

	subMu       sync.RWMutex
	subscribers []func(Log)

	logger Logger
}

type frameKey struct{}

// frame is the per-call journal carried through ctx.
type frame struct {
	ledger *Ledger
	logs   []Log
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		contracts: make(map[common.Address]any),
		nonces:    make(map[common.Address]uint64),
		logger:    cfg.Logger,
	}, nil
}

// Execute runs fn as one atomic call. Calls made with a ctx that already
// carries a frame of this ledger run inline as part of the enclosing call;
// only the outermost call takes the lock, snapshots state and commits.
//
// The ctx handed to fn MUST be propagated to every nested call, otherwise the
// nested call would wait on the lock held by its own caller.
func (l *Ledger) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if f, ok := ctx.Value(frameKey{}).(*frame); ok && f.ledger == l {
		return fn(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	snapshots := l.snapshot()
	f := &frame{ledger: l}
	if err := fn(context.WithValue(ctx, frameKey{}, f)); err != nil {
		l.restore(snapshots)
		l.logger.Debug("Call reverted", "error", err, "discarded_events", len(f.logs))
		return err
	}

	l.commit(f.logs)
	return nil
}

// View runs fn between calls, so every read fn makes observes the same
// committed state. Views may also be read outside View; they are safe for
// concurrent use but can then observe a call in progress. fn MUST NOT start a
// call of its own.
func (l *Ledger) View(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// InCall reports whether ctx carries an open call frame of this ledger.
func (l *Ledger) InCall(ctx context.Context) bool {
	f, ok := ctx.Value(frameKey{}).(*frame)
	return ok && f.ledger == l
}

// Emit journals ev, emitted by the contract at emitter, in the current call.
// Outside a call the event is committed immediately.
func (l *Ledger) Emit(ctx context.Context, emitter common.Address, ev Event) {
	log := Log{Address: emitter, Event: ev}
	if f, ok := ctx.Value(frameKey{}).(*frame); ok && f.ledger == l {
		f.logs = append(f.logs, log)
		return
	}
	l.commit([]Log{log})
}

// Subscribe registers fn to receive every committed log in emission order.
// fn runs while the committing call still holds the ledger.
func (l *Ledger) Subscribe(fn func(Log)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

func (l *Ledger) commit(logs []Log) {
	if len(logs) == 0 {
		return
	}
	l.subMu.RLock()
	subscribers := l.subscribers
	l.subMu.RUnlock()

	for _, log := range logs {
		l.logger.Debug("Event committed", "event", log.Event.EventName(), "emitter", log.Address, "payload", log.Event)
		for _, fn := range subscribers {
			fn(log)
		}
	}
}

// Deploy places contract at addr.
func (l *Ledger) Deploy(addr common.Address, contract any) error {
	if addr == (common.Address{}) {
		return ErrNullAddress
	}
	l.dirMu.Lock()
	defer l.dirMu.Unlock()

	if _, exists := l.contracts[addr]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyDeployed, addr)
	}
	l.contracts[addr] = contract
	l.order = append(l.order, addr)
	return nil
}

// Contract returns the contract deployed at addr.
func (l *Ledger) Contract(addr common.Address) (any, bool) {
	l.dirMu.RLock()
	defer l.dirMu.RUnlock()
	c, ok := l.contracts[addr]
	return c, ok
}

// Call dispatches an encoded call to the Callable deployed at addr.
func (l *Ledger) Call(ctx context.Context, caller Caller, addr common.Address, input []byte) error {
	c, ok := l.Contract(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoContract, addr)
	}
	callable, ok := c.(Callable)
	if !ok {
		// calling code-less or non-callable targets reverts without a reason
		return Revert("")
	}
	return l.Execute(ctx, func(ctx context.Context) error {
		return callable.Call(ctx, caller, input)
	})
}

// NextAddress derives a fresh deployment address for deployer, the way a
// contract-creating transaction would.
func (l *Ledger) NextAddress(deployer common.Address) common.Address {
	l.dirMu.Lock()
	defer l.dirMu.Unlock()
	nonce := l.nonces[deployer]
	l.nonces[deployer] = nonce + 1
	return crypto.CreateAddress(deployer, nonce)
}

type snapshotEntry struct {
	contract Stateful
	state    any
}

func (l *Ledger) snapshot() []snapshotEntry {
	l.dirMu.RLock()
	defer l.dirMu.RUnlock()

	entries := make([]snapshotEntry, 0, len(l.order))
	for _, addr := range l.order {
		if s, ok := l.contracts[addr].(Stateful); ok {
			entries = append(entries, snapshotEntry{contract: s, state: s.Snapshot()})
		}
	}
	return entries
}

func (l *Ledger) restore(entries []snapshotEntry) {
	for _, e := range entries {
		e.contract.Restore(e.state)
	}
}
