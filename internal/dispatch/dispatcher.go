package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/rs/zerolog"
)

// Command is the decoded, store-agnostic representation of a wire
// `command` frame - everything the dispatcher needs, independent of C1's
// envelope shape.
type Command struct {
	CommandId   string
	Aggregate   string
	Target      eventstore.StreamId
	CommandName string
	Payload     json.RawMessage
	Expected    *eventstore.EventNumber // nil means "load current length"
}

// Dispatcher routes commands to the registered aggregate whose handler set
// contains CommandName, then executes load -> handler -> commit. Publish to
// subscribers is NOT a step this type performs directly: every Append on
// the Store already feeds the store's own SubscribeAll stream, which is
// the EventBus's single upstream - committing is publishing, by
// construction, so there is exactly one source of truth for event
// delivery (spec §4.6 step 4 / §9 open question).
type Dispatcher struct {
	store      eventstore.Store
	aggregates []*Aggregate
	maxRetries int
	logger     zerolog.Logger
}

// New builds a Dispatcher over store and the given aggregates, consulted
// in the order given (first handler match wins). maxRetries bounds how
// many times a ConcurrencyConflict on commit reloads and re-executes the
// handler before surfacing the conflict as a failure; the spec's default
// is zero.
func New(store eventstore.Store, logger zerolog.Logger, maxRetries int, aggregates ...*Aggregate) *Dispatcher {
	return &Dispatcher{store: store, aggregates: aggregates, maxRetries: maxRetries, logger: logger}
}

func (d *Dispatcher) find(commandName string) (Handler, bool) {
	for _, agg := range d.aggregates {
		if h, ok := agg.Lookup(commandName); ok {
			return h, true
		}
	}
	return nil, false
}

// Dispatch runs the full command pipeline and always returns exactly one
// CommandResult - it never returns a Go error; infrastructure and domain
// failures alike are converted to CommandResult.Failure so the caller
// (the protocol bridge) can send a result frame unconditionally.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (result CommandResult) {
	start := time.Now()
	defer func() {
		telemetry.CommandDuration.WithLabelValues(cmd.CommandName).Observe(time.Since(start).Seconds())
		outcome := string(ErrorUnknown)
		if result.Success {
			outcome = "success"
		} else if result.ErrorKind != "" {
			outcome = string(result.ErrorKind)
		}
		telemetry.CommandsDispatched.WithLabelValues(outcome).Inc()

		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("command_id", cmd.CommandId).Msg("dispatcher: handler panicked")
			result = FailureResult(ErrorUnknown, cmd.CommandId, cmd.CommandName, "handler panicked")
		}
	}()

	handler, ok := d.find(cmd.CommandName)
	if !ok {
		return FailureResult(ErrorHandlerNotFound, cmd.CommandId, cmd.CommandName, "no aggregate registers "+cmd.CommandName)
	}

	attempts := d.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		res, retry := d.attempt(ctx, cmd, handler)
		if !retry {
			return res
		}
		if attempt == attempts-1 {
			return res
		}
		telemetry.CommitRetries.Inc()
	}
	return FailureResult(ErrorUnknown, cmd.CommandId, cmd.CommandName, "unreachable: retry loop exhausted without result")
}

// attempt runs one load/execute/commit cycle. retry is true whenever the
// result is a ConcurrencyConflict; Dispatch decides whether budget is left.
func (d *Dispatcher) attempt(ctx context.Context, cmd Command, handler Handler) (CommandResult, bool) {
	expected, err := d.loadExpected(ctx, cmd)
	if err != nil {
		return FailureResult(ErrorStoreError, cmd.CommandId, cmd.CommandName, err.Error()), false
	}

	events, err := handler(ctx, cmd.Target, cmd.Payload)
	if err != nil {
		return FailureResult(ErrorExecutionError, cmd.CommandId, cmd.CommandName, err.Error()), false
	}

	if len(events) == 0 {
		// Empty output is success at the current position; no append, no
		// publish (spec R3).
		return SuccessResult(eventstore.StreamPosition{StreamId: cmd.Target, EventNumber: expected}), false
	}

	pos, err := d.store.Append(ctx, eventstore.StreamPosition{StreamId: cmd.Target, EventNumber: expected}, events)
	if err != nil {
		var conflict *eventstore.ConcurrencyConflict
		if errors.As(err, &conflict) {
			return FailureResult(ErrorConcurrencyConflict, cmd.CommandId, cmd.CommandName, conflict.Error()), true
		}
		return FailureResult(ErrorStoreError, cmd.CommandId, cmd.CommandName, err.Error()), false
	}
	return SuccessResult(pos), false
}

// loadExpected resolves the EventNumber to append at: the caller's
// explicit Expected if given, else the stream's current length (load).
func (d *Dispatcher) loadExpected(ctx context.Context, cmd Command) (eventstore.EventNumber, error) {
	if cmd.Expected != nil {
		return *cmd.Expected, nil
	}
	events, err := d.store.Read(ctx, eventstore.StreamPosition{StreamId: cmd.Target, EventNumber: 0})
	if err != nil {
		return 0, err
	}
	return eventstore.EventNumber(len(events)), nil
}
