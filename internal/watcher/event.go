// Package watcher polls a chain for bridge events and hands them off for
// attestation. Each watcher owns a persisted cursor: the last height whose
// events were fully handed off.
package watcher

import (
	"context"
	"errors"

	"github.com/jmerrifield20/ledgerbridge/internal/bridge"
)

// ErrMalformedEvent marks an event a Source could not decode. It is skipped;
// the rest of the range is still processed.
var ErrMalformedEvent = errors.New("malformed event")

// Event is a bridge event observed at Height. Exactly one of Lock and Burn
// is set.
type Event struct {
	Height uint64
	Lock   *bridge.LockEvent
	Burn   *bridge.BurnExecuted
}

// Skipped describes an event a Source dropped as malformed.
type Skipped struct {
	Height uint64
	Ref    string // tx hash, log index or entry index identifying the event
	Err    error
}

// Batch is the result of scanning one height range.
type Batch struct {
	Events  []Event
	Skipped []Skipped
}

// Source reads a chain.
type Source interface {
	// LatestHeight returns the newest height the chain has produced.
	LatestHeight(ctx context.Context) (uint64, error)
	// EventsInRange returns the bridge events with from < height <= to,
	// ordered by height.
	EventsInRange(ctx context.Context, from, to uint64) (Batch, error)
}

// Handler receives each event. It must be idempotent: a range whose handoff
// failed part-way is re-scanned from the start on the next tick.
type Handler func(ctx context.Context, ev Event) error
