// Package eventstore defines the append-only event store contract the
// dispatcher commits through, plus a process-wide "subscribe to all
// committed events" stream consumed by the EventBus.
package eventstore

import (
	"context"
	"fmt"
)

// StreamId is an opaque non-empty identifier for an event stream.
// Equality is by bytes (plain string comparison).
type StreamId string

// EventNumber is a non-negative, monotonically increasing integer per
// stream, starting at 0 for the first event.
type EventNumber int64

// StreamPosition identifies the next expected slot for an append, or the
// position of a specific event for a read.
type StreamPosition struct {
	StreamId    StreamId
	EventNumber EventNumber
}

func (p StreamPosition) String() string {
	return fmt.Sprintf("%s@%d", p.StreamId, p.EventNumber)
}

// EventData is the application-opaque payload the core propagates
// verbatim. The core never interprets Data; Type is the only part it
// reads (for routing/filtering).
type EventData struct {
	Type string
	Data []byte
}

// Event decorates EventData with its committed position, once known.
type Event struct {
	StreamId    StreamId
	EventNumber EventNumber
	Type        string
	Data        []byte
}

// CommittedEvent is what SubscribeAll delivers: an event plus its
// process-wide commit-order position, for mirrors/bus fan-out that don't
// care about per-stream numbering alone.
type CommittedEvent struct {
	StreamId    StreamId
	EventNumber EventNumber
	GlobalPos   int64
	Type        string
	Data        []byte
}

// ConcurrencyConflict is returned by Append when the stream's current
// length differs from the caller's expected position.
type ConcurrencyConflict struct {
	StreamId StreamId
	Expected EventNumber
	Actual   EventNumber
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict on %s: expected %d, actual %d", e.StreamId, e.Expected, e.Actual)
}

// StoreWriteError wraps a backend failure during Append or Read.
type StoreWriteError struct {
	StreamId StreamId
	Cause    error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("eventstore: write error on %s: %v", e.StreamId, e.Cause)
}

func (e *StoreWriteError) Unwrap() error { return e.Cause }

// Store is the append-side EventStore contract the dispatcher uses, plus
// the live-only process-wide subscription the EventBus pumps from.
//
// Append is atomic per call: either every event in the batch commits or
// none do. expected.EventNumber == 0 means "this stream must not yet
// exist"; for an existing stream expected.EventNumber must equal the
// stream's current length.
//
// Read returns events starting at from.EventNumber up to (not including)
// the currently persisted tail; it does not block waiting for more.
//
// SubscribeAll returns committed events in commit order, starting from the
// moment of subscribe (no backfill); ctx cancellation ends the channel.
type Store interface {
	Append(ctx context.Context, expected StreamPosition, events []EventData) (StreamPosition, error)
	Read(ctx context.Context, from StreamPosition) ([]Event, error)
	SubscribeAll(ctx context.Context) (<-chan CommittedEvent, error)
}
