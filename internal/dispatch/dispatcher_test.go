package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/rs/zerolog"
)

func userAggregate() *Aggregate {
	return NewAggregate("User").
		Register("CreateUser", func(ctx context.Context, target eventstore.StreamId, payload json.RawMessage) ([]eventstore.EventData, error) {
			return []eventstore.EventData{{Type: "UserCreated", Data: payload}}, nil
		}).
		Register("Rename", func(ctx context.Context, target eventstore.StreamId, payload json.RawMessage) ([]eventstore.EventData, error) {
			return []eventstore.EventData{{Type: "UserRenamed", Data: payload}}, nil
		}).
		Register("NoOp", func(ctx context.Context, target eventstore.StreamId, payload json.RawMessage) ([]eventstore.EventData, error) {
			return nil, nil
		}).
		Register("AlwaysFails", func(ctx context.Context, target eventstore.StreamId, payload json.RawMessage) ([]eventstore.EventData, error) {
			return nil, errors.New("domain rule violated")
		})
}

func TestDispatchSuccessPath(t *testing.T) {
	store := eventstore.NewMemoryStore()
	d := New(store, zerolog.Nop(), 0, userAggregate())

	res := d.Dispatch(context.Background(), Command{
		CommandId:   "c1",
		Aggregate:   "User",
		Target:      "user-1",
		CommandName: "CreateUser",
		Payload:     json.RawMessage(`{"name":"Ada"}`),
	})

	if !res.Success {
		t.Fatalf("expected success, got failure: %+v", res)
	}
	if res.Position.EventNumber != 1 {
		t.Fatalf("position = %d, want 1", res.Position.EventNumber)
	}
}

func TestDispatchConcurrencyConflict(t *testing.T) {
	store := eventstore.NewMemoryStore()
	d := New(store, zerolog.Nop(), 0, userAggregate())
	ctx := context.Background()

	zero := eventstore.EventNumber(0)
	first := d.Dispatch(ctx, Command{CommandId: "c1", Target: "user-1", CommandName: "CreateUser", Payload: json.RawMessage(`{}`), Expected: &zero})
	if !first.Success {
		t.Fatalf("first command should succeed: %+v", first)
	}

	second := d.Dispatch(ctx, Command{CommandId: "c2", Target: "user-1", CommandName: "Rename", Payload: json.RawMessage(`{}`), Expected: &zero})
	if second.Success {
		t.Fatal("expected conflict failure")
	}
	if second.ErrorKind != ErrorConcurrencyConflict {
		t.Fatalf("errorKind = %v, want ConcurrencyConflict", second.ErrorKind)
	}
}

func TestDispatchHandlerNotFound(t *testing.T) {
	store := eventstore.NewMemoryStore()
	d := New(store, zerolog.Nop(), 0, userAggregate())

	res := d.Dispatch(context.Background(), Command{CommandId: "c1", Target: "user-1", CommandName: "DoesNotExist"})
	if res.Success || res.ErrorKind != ErrorHandlerNotFound {
		t.Fatalf("expected HandlerNotFound, got %+v", res)
	}
}

func TestDispatchExecutionError(t *testing.T) {
	store := eventstore.NewMemoryStore()
	d := New(store, zerolog.Nop(), 0, userAggregate())

	res := d.Dispatch(context.Background(), Command{CommandId: "c1", Target: "user-1", CommandName: "AlwaysFails"})
	if res.Success || res.ErrorKind != ErrorExecutionError {
		t.Fatalf("expected ExecutionError, got %+v", res)
	}
}

func TestDispatchEmptyEventsIsSuccessNoOp(t *testing.T) {
	store := eventstore.NewMemoryStore()
	d := New(store, zerolog.Nop(), 0, userAggregate())

	res := d.Dispatch(context.Background(), Command{CommandId: "c1", Target: "user-1", CommandName: "NoOp"})
	if !res.Success || res.Position.EventNumber != 0 {
		t.Fatalf("expected no-op success at position 0, got %+v", res)
	}

	events, _ := store.Read(context.Background(), eventstore.StreamPosition{StreamId: "user-1", EventNumber: 0})
	if len(events) != 0 {
		t.Fatalf("expected no append for empty handler output, got %d events", len(events))
	}
}

func TestDispatchRetriesUpToConfiguredBound(t *testing.T) {
	store := eventstore.NewMemoryStore()
	// Seed stream to length 1 so expected=0 always conflicts.
	if _, err := store.Append(context.Background(), eventstore.StreamPosition{StreamId: "user-1", EventNumber: 0}, []eventstore.EventData{{Type: "Seed"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := New(store, zerolog.Nop(), 2, userAggregate())

	zero := eventstore.EventNumber(0)
	res := d.Dispatch(context.Background(), Command{CommandId: "c1", Target: "user-1", CommandName: "CreateUser", Expected: &zero})
	if res.Success || res.ErrorKind != ErrorConcurrencyConflict {
		t.Fatalf("expected conflict after exhausting retries, got %+v", res)
	}
}
