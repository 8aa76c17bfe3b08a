package eventstore

import (
	"context"
	"testing"
	"time"
)

func TestAppendAndRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos, err := s.Append(ctx, StreamPosition{StreamId: "user-1", EventNumber: 0}, []EventData{
		{Type: "UserCreated", Data: []byte(`{"name":"Ada"}`)},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos.EventNumber != 1 {
		t.Fatalf("position = %d, want 1", pos.EventNumber)
	}

	events, err := s.Read(ctx, StreamPosition{StreamId: "user-1", EventNumber: 0})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 || events[0].EventNumber != 0 || events[0].Type != "UserCreated" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAppendConcurrencyConflictOnExistingStream(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, StreamPosition{StreamId: "user-1", EventNumber: 0}, []EventData{{Type: "A"}}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := s.Append(ctx, StreamPosition{StreamId: "user-1", EventNumber: 0}, []EventData{{Type: "B"}})
	var conflict *ConcurrencyConflict
	if err == nil {
		t.Fatal("expected ConcurrencyConflict")
	}
	if !asConflict(err, &conflict) {
		t.Fatalf("wrong error type: %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("conflict = %+v, want expected=0 actual=1", conflict)
	}
}

func asConflict(err error, out **ConcurrencyConflict) bool {
	c, ok := err.(*ConcurrencyConflict)
	if ok {
		*out = c
	}
	return ok
}

func TestAppendEmptyEventsIsNoOp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos, err := s.Append(ctx, StreamPosition{StreamId: "user-1", EventNumber: 0}, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos.EventNumber != 0 {
		t.Fatalf("position = %d, want 0 (no-op)", pos.EventNumber)
	}

	events, _ := s.Read(ctx, StreamPosition{StreamId: "user-1", EventNumber: 0})
	if len(events) != 0 {
		t.Fatalf("expected no events persisted, got %d", len(events))
	}
}

func TestSubscribeAllIsLiveOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event committed BEFORE subscribe must not be delivered.
	if _, err := s.Append(context.Background(), StreamPosition{StreamId: "room-1", EventNumber: 0}, []EventData{{Type: "A"}}); err != nil {
		t.Fatalf("append A: %v", err)
	}

	ch, err := s.SubscribeAll(ctx)
	if err != nil {
		t.Fatalf("subscribeAll: %v", err)
	}

	if _, err := s.Append(context.Background(), StreamPosition{StreamId: "room-1", EventNumber: 1}, []EventData{{Type: "B"}}); err != nil {
		t.Fatalf("append B: %v", err)
	}

	select {
	case ce := <-ch:
		if ce.Type != "B" {
			t.Fatalf("got %q, want B (A must not be delivered, live-only)", ce.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event B")
	}

	select {
	case ce, ok := <-ch:
		if ok {
			t.Fatalf("unexpected extra event: %+v", ce)
		}
	default:
	}
}

func TestSubscribeAllEndsOnContextCancel(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.SubscribeAll(ctx)
	if err != nil {
		t.Fatalf("subscribeAll: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
