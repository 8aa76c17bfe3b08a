package clientproto

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/odin-labs/eventcore/internal/transport"
	"github.com/odin-labs/eventcore/internal/wire"
	"github.com/rs/zerolog"
)

// DefaultCommandTimeout is sendCommand's deadline when the caller does not
// override it (spec §4.4, §9 open question: fixed at 10s, configurable).
const DefaultCommandTimeout = 10 * time.Second

// Command is what the caller passes to SendCommand.
type Command struct {
	CommandId       string // generated if empty
	AggregateName   string
	Target          string
	CommandName     string
	Payload         json.RawMessage
	ExpectedVersion *int64
	Timeout         time.Duration // zero means DefaultCommandTimeout
}

// Client is the client-side protocol state machine. It owns the pending
// command registry, the subscription registry, and the single goroutine
// that demuxes the transport's inbound frames across both (spec §4.4).
type Client struct {
	conn   transport.Conn
	logger zerolog.Logger

	pending manual
	subs    *subscriptionRegistry

	ctx    context.Context
	cancel context.CancelFunc
}

type manual = *pendingRegistry

// New starts routing frames from conn. The returned Client is usable
// immediately; Close tears down every pending command and subscription.
func New(ctx context.Context, conn transport.Conn, logger zerolog.Logger) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: newPendingRegistry(),
		subs:    newSubscriptionRegistry(),
		ctx:     cctx,
		cancel:  cancel,
	}
	go c.route()
	go c.watchConnectionState()
	return c
}

// Close cancels every pending command and active subscription owned by
// this client (spec B3: a cancelled scope discards in-flight work without
// affecting any other command).
func (c *Client) Close() {
	c.cancel()
	c.pending.completeAll("Disconnected")
	c.subs.endAll()
}

// SendCommand encodes and sends cmd, then blocks until the first of
// {result frame, deadline, transport-gone, ctx cancellation} (spec §4.4).
func (c *Client) SendCommand(ctx context.Context, cmd Command) CommandResult {
	id := cmd.CommandId
	if id == "" {
		id = uuid.NewString()
	}
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}

	pc := &pendingCommand{id: id, result: make(chan CommandResult, 1)}
	c.pending.add(pc)

	frame := &wire.CommandFrame{
		Aggregate: wire.AggregateRef{
			Position: wire.Position{StreamId: cmd.Target, EventNumber: versionOrZero(cmd.ExpectedVersion)},
			Name:     cmd.AggregateName,
		},
		CommandName:     cmd.CommandName,
		Payload:         cmd.Payload,
		ExpectedVersion: cmd.ExpectedVersion,
	}
	frame.Id = id
	frame.Type = wire.TypeCommand

	raw, err := wire.Encode(frame)
	if err != nil {
		c.pending.remove(id)
		return CommandResult{Success: false, ErrorKind: "UnknownError", CommandId: id, Message: err.Error()}
	}

	sendCtx, sendCancel := context.WithTimeout(ctx, timeout)
	defer sendCancel()
	if err := c.conn.Send(sendCtx, raw); err != nil {
		c.pending.remove(id)
		return CommandResult{Success: false, ErrorKind: "Disconnected", CommandId: id}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.result:
		c.pending.remove(id)
		return res
	case <-timer.C:
		res := CommandResult{Success: false, ErrorKind: "Timeout", CommandId: id, TimeoutMs: timeout.Milliseconds()}
		pc.complete(res) // authoritative even if a result races in after this
		c.pending.remove(id)
		return res
	case <-ctx.Done():
		c.pending.remove(id)
		return CommandResult{Success: false, ErrorKind: "Cancelled", CommandId: id}
	case <-c.ctx.Done():
		c.pending.remove(id)
		return CommandResult{Success: false, ErrorKind: "Disconnected", CommandId: id}
	}
}

func versionOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// Subscribe registers a subscription for streamId, sends the subscribe
// frame, and returns the delivery channel. The caller MUST call Unsubscribe
// (or Close the Client) when done to release the entry and send a
// best-effort unsubscribe frame.
func (c *Client) Subscribe(ctx context.Context, streamId string, fromPosition *int64) (<-chan Event, error) {
	sub := newSubscription(streamId, 256)
	c.subs.add(sub)

	frame := &wire.SubscribeFrame{StreamId: streamId, FromPosition: fromPosition}
	frame.Id = uuid.NewString()
	frame.Type = wire.TypeSubscribe

	raw, err := wire.Encode(frame)
	if err != nil {
		c.subs.remove(streamId)
		return nil, err
	}
	if err := c.conn.Send(ctx, raw); err != nil {
		c.subs.remove(streamId)
		return nil, err
	}
	return sub.sink, nil
}

// Unsubscribe removes the subscription entry and sends an unsubscribe
// frame best-effort; send failure is silently ignored per spec §4.4.
func (c *Client) Unsubscribe(streamId string) {
	if sub, ok := c.subs.get(streamId); ok {
		sub.end()
	}
	c.subs.remove(streamId)

	frame := &wire.UnsubscribeFrame{StreamId: streamId}
	frame.Id = uuid.NewString()
	frame.Type = wire.TypeUnsubscribe
	if raw, err := wire.Encode(frame); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.conn.Send(ctx, raw) // best-effort
	}
}

// route is the single demux goroutine reading every inbound frame and
// dispatching it per the routing table in spec §4.4.
func (c *Client) route() {
	for raw := range c.conn.Receive() {
		env, err := wire.Decode(raw)
		if err != nil {
			c.logger.Debug().Err(err).Msg("clientproto: dropping malformed frame")
			continue
		}
		switch env.Kind() {
		case wire.TypeCommandResult:
			c.handleCommandResult(env)
		case wire.TypeEvent:
			c.handleEvent(env)
		case wire.TypeSubscriptionAck:
			c.handleSubscriptionAck(env)
		case wire.TypeSubscriptionEnd:
			c.handleSubscriptionEnd(env)
		case wire.TypeError:
			c.handleError(env)
		case wire.TypePong:
			// No-op.
		default:
			c.logger.Debug().Str("type", string(env.Kind())).Msg("clientproto: dropping unexpected frame type")
		}
	}
	// Transport ended: every pending command is Disconnected, every
	// subscription ends.
	c.pending.completeAll("Disconnected")
	c.subs.endAll()
}

func (c *Client) handleCommandResult(env *wire.Envelope) {
	f, err := env.AsCommandResult()
	if err != nil {
		c.logger.Debug().Err(err).Msg("clientproto: malformed command_result")
		return
	}
	pc, ok := c.pending.get(env.Id())
	if !ok {
		return // no matching pending entry: drop
	}
	result := CommandResult{Success: f.Success, CommandId: env.Id()}
	if f.Success {
		result.Position = f.Position
	} else {
		result.ErrorKind = f.Error.Code
		result.Message = f.Error.Message
	}
	pc.complete(result)
}

func (c *Client) handleEvent(env *wire.Envelope) {
	f, err := env.AsEvent()
	if err != nil {
		c.logger.Debug().Err(err).Msg("clientproto: malformed event frame")
		return
	}
	sub, ok := c.subs.get(f.StreamId)
	if !ok {
		return // no matching subscription: drop
	}
	sub.offer(Event{
		StreamId:    f.StreamId,
		EventNumber: f.EventNumber,
		GlobalPos:   f.Position,
		Type:        f.EventType,
		Data:        f.Event,
	})
}

func (c *Client) handleSubscriptionAck(env *wire.Envelope) {
	f, err := env.AsSubscriptionAck()
	if err != nil {
		return
	}
	if sub, ok := c.subs.get(f.StreamId); ok {
		sub.markActive()
	}
}

func (c *Client) handleSubscriptionEnd(env *wire.Envelope) {
	f, err := env.AsSubscriptionEnd()
	if err != nil {
		return
	}
	if sub, ok := c.subs.get(f.StreamId); ok {
		sub.end()
	}
	c.subs.remove(f.StreamId)
}

func (c *Client) handleError(env *wire.Envelope) {
	f, err := env.AsError()
	if err != nil {
		return
	}
	if env.CorrelationId() == "" {
		c.logger.Warn().Str("message", f.Error.Message).Msg("clientproto: server error frame, no correlation")
		return
	}
	if pc, ok := c.pending.get(env.CorrelationId()); ok {
		pc.complete(CommandResult{Success: false, ErrorKind: "Protocol", Message: f.Error.Message, CommandId: env.CorrelationId()})
	}
}

// watchConnectionState observes the transport's state stream and, on
// reaching Disconnected, completes every pending command and ends every
// subscription (spec: connection drop completes pending commands with
// Disconnected and ends subscriptions).
func (c *Client) watchConnectionState() {
	for {
		select {
		case st, ok := <-c.conn.State():
			if !ok {
				return
			}
			if st == transport.StateDisconnected {
				c.pending.completeAll("Disconnected")
				c.subs.endAll()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
