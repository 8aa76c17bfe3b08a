package eventstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store backed by per-stream slices under a
// single mutex. It is the reference implementation used by the core's own
// tests and by deployments that don't need cross-restart durability; the
// NATS-backed Store in nats.go is the production alternative.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[StreamId][]EventData
	global  int64 // next global position to assign

	subMu sync.Mutex
	subs  map[int]chan CommittedEvent
	nextSub int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[StreamId][]EventData),
		subs:    make(map[int]chan CommittedEvent),
	}
}

// Append implements Store. Atomic: the whole batch is appended under one
// critical section, or none of it is (a concurrency conflict rejects the
// entire batch before any mutation).
func (m *MemoryStore) Append(ctx context.Context, expected StreamPosition, events []EventData) (StreamPosition, error) {
	m.mu.Lock()
	cur := EventNumber(len(m.streams[expected.StreamId]))
	if cur != expected.EventNumber {
		m.mu.Unlock()
		return StreamPosition{}, &ConcurrencyConflict{
			StreamId: expected.StreamId,
			Expected: expected.EventNumber,
			Actual:   cur,
		}
	}
	if len(events) == 0 {
		m.mu.Unlock()
		return StreamPosition{StreamId: expected.StreamId, EventNumber: cur}, nil
	}

	committed := make([]CommittedEvent, 0, len(events))
	for i, ev := range events {
		num := cur + EventNumber(i)
		m.streams[expected.StreamId] = append(m.streams[expected.StreamId], ev)
		m.global++
		committed = append(committed, CommittedEvent{
			StreamId:    expected.StreamId,
			EventNumber: num,
			GlobalPos:   m.global,
			Type:        ev.Type,
			Data:        ev.Data,
		})
	}
	next := StreamPosition{StreamId: expected.StreamId, EventNumber: cur + EventNumber(len(events))}

	// Publish while still holding the streams lock so SubscribeAll sees
	// events in commit order; publishAll never blocks (see below), so a
	// slow subscriber still can't hold up the next Append.
	for _, ce := range committed {
		m.publishAll(ce)
	}
	m.mu.Unlock()
	return next, nil
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, from StreamPosition) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.streams[from.StreamId]
	if int(from.EventNumber) > len(all) {
		return nil, nil
	}
	out := make([]Event, 0, len(all)-int(from.EventNumber))
	for i := int(from.EventNumber); i < len(all); i++ {
		out = append(out, Event{
			StreamId:    from.StreamId,
			EventNumber: EventNumber(i),
			Type:        all[i].Type,
			Data:        all[i].Data,
		})
	}
	return out, nil
}

// SubscribeAll implements Store. Live-only: the returned channel never
// backfills events committed before the call. Each subscriber gets an
// independent buffered channel; when it is full, the new event is dropped
// for that subscriber rather than blocking Append - missed
// events are undelivered, never a failure, per the port's contract.
func (m *MemoryStore) SubscribeAll(ctx context.Context) (<-chan CommittedEvent, error) {
	ch := make(chan CommittedEvent, 256)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (m *MemoryStore) publishAll(ce CommittedEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ce:
		default:
			// Buffer saturated: drop for this subscriber only, per the
			// store's best-effort subscribeAll contract.
		}
	}
}
