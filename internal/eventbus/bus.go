// Package eventbus implements the in-process, live-only pub/sub that fans
// committed events from a single eventstore.Store.SubscribeAll stream out
// to many independent, filtered subscribers.
package eventbus

import (
	"context"
	"sync"

	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/rs/zerolog"
)

// Predicate narrows which committed events a subscriber receives. A
// predicate that panics is recovered and treated as "reject this event for
// this subscriber only" - it never takes down the pump or other
// subscribers.
type Predicate func(eventstore.CommittedEvent) bool

// Accept is the always-true predicate used by components that want every
// committed event (e.g. the protocol bridge's events task).
func Accept(eventstore.CommittedEvent) bool { return true }

// Subscription is a live handle returned by Bus.Subscribe. Events flows
// until Close is called or the bus itself shuts down (upstream ended).
type Subscription struct {
	Events <-chan eventstore.CommittedEvent

	bus    *Bus
	id     int
	ch     chan eventstore.CommittedEvent
	closed chan struct{}
	once   sync.Once
}

// Close releases the subscriber's buffer. No further events are offered to
// it after Close returns. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.closed)
	})
}

type subscriber struct {
	id        int
	predicate Predicate
	ch        chan eventstore.CommittedEvent
}

// Bus is a scoped resource: New forks a background pump reading
// store.SubscribeAll() and multicasting to every live subscriber; calling
// the returned stop function tears the pump down and closes every
// subscriber's buffer. The bus never restarts itself - if the upstream
// subscribeAll ends, every subscriber sees end-of-stream and the bus stays
// dead, per the live-only, no-replay contract.
type Bus struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	stopped bool
}

// New forks the upstream pump against store and returns the Bus plus a
// stop function. Callers must call stop when the owning scope ends.
func New(ctx context.Context, store eventstore.Store, logger zerolog.Logger) (*Bus, func(), error) {
	b := &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	upstream, err := store.SubscribeAll(pumpCtx)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	done := make(chan struct{})
	go b.pump(upstream, done)

	stop := func() {
		cancel()
		<-done
	}
	return b, stop, nil
}

func (b *Bus) pump(upstream <-chan eventstore.CommittedEvent, done chan struct{}) {
	defer close(done)
	for ce := range upstream {
		b.dispatch(ce)
	}
	// Upstream ended: tear down every subscriber so they observe
	// end-of-sequence rather than silently hanging forever.
	b.mu.Lock()
	b.stopped = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
		telemetry.SubscriptionsActive.Dec()
	}
}

func (b *Bus) dispatch(ce eventstore.CommittedEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	telemetry.EventsPublished.Inc()
	for _, s := range b.subs {
		if !safePredicate(s.predicate, ce, b.logger) {
			continue
		}
		select {
		case s.ch <- ce:
			telemetry.EventsForwarded.Inc()
		default:
			// This subscriber is saturated; drop the event for it only.
			// Other subscribers in this loop are unaffected (I6, P5 under
			// the non-overloaded assumption).
			b.logger.Warn().Int("subscriber_id", s.id).Str("stream_id", string(ce.StreamId)).Msg("eventbus: subscriber buffer saturated, dropping event")
		}
	}
}

// safePredicate recovers a panicking predicate, skipping the event for
// that subscriber only (per spec 4.3: a predicate error must not affect
// other subscribers).
func safePredicate(p Predicate, ce eventstore.CommittedEvent, logger zerolog.Logger) (accept bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("eventbus: predicate panicked, skipping event for this subscriber")
			accept = false
		}
	}()
	return p(ce)
}

// Subscribe registers a new subscriber with its own 1024-slot buffered
// channel and the given predicate; while that buffer is full, dispatch
// drops events for this subscriber only. The
// returned Subscription is live-only - it never backfills events
// committed before Subscribe returns.
func (b *Bus) Subscribe(predicate Predicate) *Subscription {
	if predicate == nil {
		predicate = Accept
	}
	ch := make(chan eventstore.CommittedEvent, 1024)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		close(ch)
		sub := &Subscription{Events: ch, bus: b, id: -1, ch: ch, closed: make(chan struct{})}
		close(sub.closed)
		return sub
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{id: id, predicate: predicate, ch: ch}
	b.mu.Unlock()
	telemetry.SubscriptionsActive.Inc()

	return &Subscription{
		Events: ch,
		bus:    b,
		id:     id,
		ch:     ch,
		closed: make(chan struct{}),
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
		telemetry.SubscriptionsActive.Dec()
	}
}
