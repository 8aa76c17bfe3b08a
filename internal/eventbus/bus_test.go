package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/rs/zerolog"
)

func TestBusLiveOnlyAndFanOut(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Committed before the bus exists: must never be delivered.
	if _, err := store.Append(ctx, eventstore.StreamPosition{StreamId: "room-1", EventNumber: 0}, []eventstore.EventData{{Type: "Before"}}); err != nil {
		t.Fatalf("append before: %v", err)
	}

	bus, stop, err := New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer stop()

	subA := bus.Subscribe(Accept)
	defer subA.Close()
	subB := bus.Subscribe(Accept)
	defer subB.Close()

	if _, err := store.Append(ctx, eventstore.StreamPosition{StreamId: "room-1", EventNumber: 1}, []eventstore.EventData{{Type: "After"}}); err != nil {
		t.Fatalf("append after: %v", err)
	}

	for name, sub := range map[string]*Subscription{"A": subA, "B": subB} {
		select {
		case ce := <-sub.Events:
			if ce.Type != "After" {
				t.Fatalf("%s received %q, want After (live-only)", name, ce.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for event", name)
		}
	}
}

func TestBusPredicateFiltering(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, stop, err := New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer stop()

	onlyRoom1 := bus.Subscribe(func(ce eventstore.CommittedEvent) bool {
		return ce.StreamId == "room-1"
	})
	defer onlyRoom1.Close()

	if _, err := store.Append(ctx, eventstore.StreamPosition{StreamId: "room-2", EventNumber: 0}, []eventstore.EventData{{Type: "Other"}}); err != nil {
		t.Fatalf("append room-2: %v", err)
	}
	if _, err := store.Append(ctx, eventstore.StreamPosition{StreamId: "room-1", EventNumber: 0}, []eventstore.EventData{{Type: "Mine"}}); err != nil {
		t.Fatalf("append room-1: %v", err)
	}

	select {
	case ce := <-onlyRoom1.Events:
		if ce.StreamId != "room-1" {
			t.Fatalf("received event from %q, want only room-1", ce.StreamId)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestBusPredicatePanicIsolatesOnlyThatSubscriber(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, stop, err := New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer stop()

	panicky := bus.Subscribe(func(eventstore.CommittedEvent) bool { panic("boom") })
	defer panicky.Close()
	healthy := bus.Subscribe(Accept)
	defer healthy.Close()

	if _, err := store.Append(ctx, eventstore.StreamPosition{StreamId: "s", EventNumber: 0}, []eventstore.EventData{{Type: "X"}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case ce := <-healthy.Events:
		if ce.Type != "X" {
			t.Fatalf("unexpected event %q", ce.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber never received event despite sibling predicate panic")
	}

	select {
	case <-panicky.Events:
		t.Fatal("panicking predicate should have skipped this event")
	default:
	}
}

func TestBusUpstreamEndPropagatesToAllSubscribers(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	bus, stop, err := New(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer stop()

	sub := bus.Subscribe(Accept)
	cancel() // ends the upstream subscribeAll

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatal("expected channel close on upstream end")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upstream-end propagation")
	}
}
