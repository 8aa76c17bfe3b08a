// Package dispatch routes a decoded wire command to the aggregate handler
// that owns CommandName, commits the resulting events through the
// eventstore, and publishes them to the EventBus's upstream (via the
// store's own SubscribeAll - see Dispatcher for the single-source-of-truth
// note).
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/odin-labs/eventcore/internal/eventstore"
)

// Handler is an aggregate's pure-with-respect-to-the-store command
// handler: given the target stream and the raw payload, it returns an
// ordered (possibly empty) sequence of new events, or fails with a domain
// error. The dispatcher performs the commit; handlers never call Append
// themselves.
type Handler func(ctx context.Context, target eventstore.StreamId, payload json.RawMessage) ([]eventstore.EventData, error)

// Aggregate is an externally-owned mapping from CommandName to Handler.
// Registration order matters only in that the dispatcher does first-match
// lookup across all registered aggregates sharing a CommandName - in
// practice CommandNames should be unique per aggregate, but the dispatcher
// does not enforce that; it is the registrant's responsibility.
type Aggregate struct {
	Name     string
	handlers map[string]Handler
}

// NewAggregate returns an empty Aggregate ready for Register calls.
func NewAggregate(name string) *Aggregate {
	return &Aggregate{Name: name, handlers: make(map[string]Handler)}
}

// Register binds a CommandName to its Handler. Panics on duplicate
// registration within the same Aggregate - that is a programming error
// caught at wiring time, not a runtime condition.
func (a *Aggregate) Register(commandName string, h Handler) *Aggregate {
	if _, exists := a.handlers[commandName]; exists {
		panic("dispatch: duplicate handler registration for " + commandName + " on aggregate " + a.Name)
	}
	a.handlers[commandName] = h
	return a
}

// Lookup returns the handler for commandName, if this aggregate exposes
// one.
func (a *Aggregate) Lookup(commandName string) (Handler, bool) {
	h, ok := a.handlers[commandName]
	return h, ok
}
