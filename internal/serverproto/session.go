// Package serverproto implements the server-side per-connection protocol
// state: decoding inbound frames, exposing the command stream a
// dispatcher pumps, and publishing committed events out to whichever
// connections are currently subscribed to their stream.
package serverproto

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/odin-labs/eventcore/internal/dispatch"
	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/odin-labs/eventcore/internal/transport"
	"github.com/odin-labs/eventcore/internal/wire"
	"github.com/rs/zerolog"
)

// Session is one connection's server-side protocol state: a set of
// subscribed StreamIds, an outbound send mutex (so a command result and a
// forwarded event never interleave mid-frame), and the inbound command
// stream consumed by the protocol bridge's commands task.
type Session struct {
	conn   transport.Conn
	logger zerolog.Logger

	sendMu sync.Mutex

	subMu sync.Mutex
	subs  map[eventstore.StreamId]struct{}

	commands chan dispatch.Command
}

// New builds a Session over an already-connected transport.Conn. Run must
// be called to start processing inbound frames.
func New(conn transport.Conn, logger zerolog.Logger) *Session {
	return &Session{
		conn:     conn,
		logger:   logger,
		subs:     make(map[eventstore.StreamId]struct{}),
		commands: make(chan dispatch.Command, 64),
	}
}

// OnWireCommand is the lazy sequence of decoded commands arriving on this
// connection; it closes when the connection ends (spec §4.5).
func (s *Session) OnWireCommand() <-chan dispatch.Command { return s.commands }

// Run reads inbound frames until the connection ends or ctx is cancelled,
// applying the routing table in spec §4.5. It closes the command stream on
// return so the bridge's commands task terminates too.
func (s *Session) Run(ctx context.Context) {
	defer close(s.commands)
	for {
		select {
		case raw, ok := <-s.conn.Receive():
			if !ok {
				return
			}
			s.handle(ctx, raw)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		// Malformed frames are dropped silently; the connection stays up
		// (spec B4).
		s.logger.Debug().Err(err).Msg("serverproto: dropping malformed frame")
		return
	}
	switch env.Kind() {
	case wire.TypeSubscribe:
		s.onSubscribe(ctx, env)
	case wire.TypeUnsubscribe:
		s.onUnsubscribe(env)
	case wire.TypeCommand:
		s.onCommand(ctx, env)
	case wire.TypePing:
		s.onPing(ctx, env)
	default:
		s.logger.Debug().Str("type", string(env.Kind())).Msg("serverproto: dropping frame the server does not accept")
	}
}

// sendRaw is the single choke point writing bytes to the transport, so
// sendResult and publishEvent never interleave their frames on the wire.
func (s *Session) sendRaw(ctx context.Context, raw []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.Send(ctx, raw); err != nil {
		s.logger.Debug().Err(err).Msg("serverproto: send failed")
	}
}

func (s *Session) onPing(ctx context.Context, env *wire.Envelope) {
	if _, err := env.AsPing(); err != nil {
		return
	}
	pong := &wire.PongFrame{}
	pong.Id = uuid.NewString()
	pong.Type = wire.TypePong
	pong.CorrelationId = env.Id()
	raw, err := wire.Encode(pong)
	if err != nil {
		s.logger.Error().Err(err).Msg("serverproto: encode pong failed")
		return
	}
	s.sendRaw(ctx, raw)
}

func (s *Session) onCommand(ctx context.Context, env *wire.Envelope) {
	f, err := env.AsCommand()
	if err != nil {
		s.logger.Debug().Err(err).Msg("serverproto: malformed command frame")
		return
	}

	cmd := dispatch.Command{
		CommandId:   f.Id,
		Aggregate:   f.Aggregate.Name,
		Target:      eventstore.StreamId(f.Aggregate.Position.StreamId),
		CommandName: f.CommandName,
		Payload:     json.RawMessage(append([]byte(nil), f.Payload...)),
	}
	// expectedVersion, when present, overrides the believed version a
	// client already conveys via aggregate.position.eventNumber (spec §8
	// scenario S2) - the separate field exists only for clients that
	// track expectations apart from the position they last saw.
	if f.ExpectedVersion != nil {
		ev := eventstore.EventNumber(*f.ExpectedVersion)
		cmd.Expected = &ev
	} else {
		ev := eventstore.EventNumber(f.Aggregate.Position.EventNumber)
		cmd.Expected = &ev
	}

	// No flow control beyond the channel's buffer (spec §4.5); a consumer
	// that stops draining backpressures the read loop rather than
	// dropping commands.
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
	}
}

// SendResult serializes a command_result frame addressed to commandId and
// sends it (spec C5 public contract).
func (s *Session) SendResult(ctx context.Context, commandId string, result dispatch.CommandResult) {
	out := &wire.CommandResultFrame{Success: result.Success}
	out.Id = commandId
	out.Type = wire.TypeCommandResult

	if result.Success {
		out.Position = &wire.Position{
			StreamId:    string(result.Position.StreamId),
			EventNumber: int64(result.Position.EventNumber),
		}
	} else {
		out.Error = &wire.ErrorPayload{
			Message: result.Message,
			Code:    string(result.ErrorKind),
		}
	}
	raw, err := wire.Encode(out)
	if err != nil {
		s.logger.Error().Err(err).Msg("serverproto: encode command_result failed")
		return
	}
	s.sendRaw(ctx, raw)
}

// PublishEvent sends an event frame on this connection iff it is
// currently subscribed to ce.StreamId; otherwise it is a silent no-op
// (spec C5: events for unsubscribed streams on a connection MUST NOT be
// sent on that connection).
func (s *Session) PublishEvent(ctx context.Context, ce eventstore.CommittedEvent) {
	s.subMu.Lock()
	_, subscribed := s.subs[ce.StreamId]
	s.subMu.Unlock()
	if !subscribed {
		return
	}

	ev := &wire.EventFrame{
		StreamId:    string(ce.StreamId),
		EventNumber: int64(ce.EventNumber),
		Position:    ce.GlobalPos,
		EventType:   ce.Type,
		Event:       json.RawMessage(append([]byte(nil), ce.Data...)),
	}
	ev.Id = uuid.NewString()
	ev.Type = wire.TypeEvent
	raw, err := wire.Encode(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("serverproto: encode event failed")
		return
	}
	s.sendRaw(ctx, raw)
}

func (s *Session) onSubscribe(ctx context.Context, env *wire.Envelope) {
	f, err := env.AsSubscribe()
	if err != nil {
		s.logger.Debug().Err(err).Msg("serverproto: malformed subscribe frame")
		return
	}
	streamId := eventstore.StreamId(f.StreamId)

	s.subMu.Lock()
	s.subs[streamId] = struct{}{}
	s.subMu.Unlock()

	ack := &wire.SubscriptionAckFrame{StreamId: f.StreamId, IsLive: true}
	ack.Id = uuid.NewString()
	ack.Type = wire.TypeSubscriptionAck
	raw, err := wire.Encode(ack)
	if err != nil {
		s.logger.Error().Err(err).Msg("serverproto: encode subscription_ack failed")
		return
	}
	s.sendRaw(ctx, raw)
}

func (s *Session) onUnsubscribe(env *wire.Envelope) {
	f, err := env.AsUnsubscribe()
	if err != nil {
		s.logger.Debug().Err(err).Msg("serverproto: malformed unsubscribe frame")
		return
	}
	s.subMu.Lock()
	delete(s.subs, eventstore.StreamId(f.StreamId))
	s.subMu.Unlock()
}
