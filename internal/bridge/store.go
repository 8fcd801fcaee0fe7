package bridge

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists bridge state. Both MemoryStore and PostgresStore implement it.
type Store interface {
	// Update runs fn in a serialised read-write transaction. Writes made
	// through tx commit only if fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Events returns event log entries with after < index <= until, ascending.
	Events(ctx context.Context, after, until uint64) ([]*Entry, error)

	// Head returns the index of the newest event log entry (0 = genesis only).
	Head(ctx context.Context) (uint64, error)

	// VerifyEvents walks the event log and checks hash consistency.
	VerifyEvents(ctx context.Context) error
}

// Tx is the set of reads and writes available inside a Store transaction.
type Tx interface {
	// State returns a mutable copy of the bridge state, or ErrNotInitialized.
	State(ctx context.Context) (*State, error)
	PutState(ctx context.Context, s *State) error

	// Replay returns the replay record for hash, or nil if none exists.
	Replay(ctx context.Context, hash common.Hash) (*ReplayRecord, error)
	// InsertReplay creates a replay record; ErrAlreadyProcessed if one exists.
	InsertReplay(ctx context.Context, rec *ReplayRecord) error

	// Balance returns the wrapped-token balance of account.
	Balance(ctx context.Context, token, account common.Address) (uint64, error)
	// MintTo credits amount of token to account.
	MintTo(ctx context.Context, token, account common.Address, amount uint64) error
	// BurnFrom debits amount of token from account; ErrInsufficientBalance if short.
	BurnFrom(ctx context.Context, token, account common.Address, amount uint64) error

	// AppendEvent chains a new entry onto the event log.
	AppendEvent(ctx context.Context, kind EventKind, payload any, at time.Time) (*Entry, error)
}
