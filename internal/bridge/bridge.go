// Package bridge wires the server protocol state (C5) to the command
// dispatcher (C6) and the event bus (C3): for every accepted connection it
// forks the commands task and the events task described in spec §4.7, and
// tears both down when the connection's scope ends.
package bridge

import (
	"context"
	"sync"

	"github.com/odin-labs/eventcore/internal/dispatch"
	"github.com/odin-labs/eventcore/internal/eventbus"
	"github.com/odin-labs/eventcore/internal/serverproto"
	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/odin-labs/eventcore/internal/transport"
	"github.com/rs/zerolog"
)

// Dispatcher is the subset of dispatch.Dispatcher the bridge needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd dispatch.Command) dispatch.CommandResult
}

// Bus is the subset of eventbus.Bus the bridge needs: one subscription
// per session, with the always-true predicate (spec §4.7).
type Bus interface {
	Subscribe(predicate eventbus.Predicate) *eventbus.Subscription
}

// Bridge accepts connections from a transport.Listener and runs each as a
// session for as long as the Bridge's own scope stays open.
type Bridge struct {
	listener   transport.Listener
	dispatcher Dispatcher
	bus        Bus
	logger     zerolog.Logger

	wg sync.WaitGroup
}

// New builds a Bridge over an already-constructed listener, dispatcher,
// and bus. Call Run to start accepting connections; it blocks until ctx is
// cancelled, at which point every in-flight session is given a chance to
// unwind before Run returns.
func New(listener transport.Listener, dispatcher Dispatcher, bus Bus, logger zerolog.Logger) *Bridge {
	return &Bridge{listener: listener, dispatcher: dispatcher, bus: bus, logger: logger}
}

// Run accepts connections until ctx is cancelled or the listener ends.
func (b *Bridge) Run(ctx context.Context) error {
	conns, err := b.listener.Accept(ctx)
	if err != nil {
		return err
	}
	defer b.wg.Wait()

	for {
		select {
		case conn, ok := <-conns:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.runSession(ctx, conn)
			}()
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession forks the commands and events tasks and runs the session's
// read loop itself, all sharing one cancellable scope. The scope ends (and every task
// with it) when the connection's own Run returns or ctx is cancelled,
// whichever comes first.
func (b *Bridge) runSession(ctx context.Context, conn transport.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	telemetry.SessionsTotal.Inc()
	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()

	session := serverproto.New(conn, b.logger)

	var tasks sync.WaitGroup
	tasks.Add(2)
	go func() {
		defer tasks.Done()
		b.commandsTask(sessionCtx, session)
	}()
	go func() {
		defer tasks.Done()
		b.eventsTask(sessionCtx, session)
	}()

	// session.Run owns the read loop and returns when the connection
	// ends; that is this session's terminal signal.
	session.Run(sessionCtx)
	cancel()
	tasks.Wait()
}

// commandsTask consumes session.OnWireCommand, dispatches each command,
// and always sends back exactly one result (spec §4.7). A dispatcher panic
// is already converted to CommandResult.Failure inside Dispatch itself;
// this task does not need its own recover.
func (b *Bridge) commandsTask(ctx context.Context, session *serverproto.Session) {
	for {
		select {
		case cmd, ok := <-session.OnWireCommand():
			if !ok {
				return
			}
			result := b.dispatcher.Dispatch(ctx, cmd)
			session.SendResult(ctx, cmd.CommandId, result)
		case <-ctx.Done():
			return
		}
	}
}

// eventsTask subscribes to the bus with the always-true predicate and
// forwards every committed event to publishEvent, which itself filters by
// this connection's subscription set. publishEvent never returns an error
// to propagate (send failures are logged internally), matching spec
// §4.7's "errors are logged and swallowed".
func (b *Bridge) eventsTask(ctx context.Context, session *serverproto.Session) {
	sub := b.bus.Subscribe(eventbus.Accept)
	defer sub.Close()
	for {
		select {
		case ce, ok := <-sub.Events:
			if !ok {
				return
			}
			session.PublishEvent(ctx, ce)
		case <-ctx.Done():
			return
		}
	}
}
