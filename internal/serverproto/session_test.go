package serverproto

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/odin-labs/eventcore/internal/dispatch"
	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/odin-labs/eventcore/internal/transport"
	"github.com/odin-labs/eventcore/internal/wire"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func sendFrame(t *testing.T, conn transport.Conn, raw []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Send(ctx, raw); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func recvEnvelope(t *testing.T, conn transport.Conn, timeout time.Duration) *wire.Envelope {
	t.Helper()
	select {
	case raw := <-conn.Receive():
		env, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("received malformed frame: %v", err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// T1: a command frame is decoded and offered on OnWireCommand.
func TestSessionOffersDecodedCommand(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	cmd := &wire.CommandFrame{
		Aggregate:   wire.AggregateRef{Position: wire.Position{StreamId: "acct-1"}, Name: "account"},
		CommandName: "OpenAccount",
		Payload:     json.RawMessage(`{}`),
	}
	cmd.Id = uuid.NewString()
	cmd.Type = wire.TypeCommand
	raw, err := wire.Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sendFrame(t, clientConn, raw)

	select {
	case decoded := <-sess.OnWireCommand():
		if decoded.CommandId != cmd.Id || decoded.CommandName != "OpenAccount" || decoded.Target != "acct-1" {
			t.Fatalf("unexpected decoded command: %+v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded command")
	}
}

// T1b: when expectedVersion is absent, the decoded command's Expected
// comes from aggregate.position.eventNumber - the client's believed
// version, conveyed solely through the position it last saw (spec §8
// scenario S2).
func TestSessionDerivesExpectedFromPositionWhenExpectedVersionAbsent(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	cmd := &wire.CommandFrame{
		Aggregate:   wire.AggregateRef{Position: wire.Position{StreamId: "acct-1", EventNumber: 3}, Name: "account"},
		CommandName: "Rename",
		Payload:     json.RawMessage(`{}`),
	}
	cmd.Id = uuid.NewString()
	cmd.Type = wire.TypeCommand
	raw, err := wire.Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sendFrame(t, clientConn, raw)

	select {
	case decoded := <-sess.OnWireCommand():
		if decoded.Expected == nil || *decoded.Expected != 3 {
			t.Fatalf("expected Expected=3 derived from position, got %+v", decoded.Expected)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded command")
	}
}

// T2: SendResult maps a Success/Failure CommandResult onto the wire shape.
func TestSessionSendResult(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.SendResult(ctx, "cmd-1", dispatch.SuccessResult(eventstore.StreamPosition{StreamId: "acct-1", EventNumber: 3}))
	env := recvEnvelope(t, clientConn, time.Second)
	if env.Kind() != wire.TypeCommandResult || env.Id() != "cmd-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	res, err := env.AsCommandResult()
	if err != nil || !res.Success || res.Position.EventNumber != 3 {
		t.Fatalf("unexpected command_result: %+v err=%v", res, err)
	}

	sess.SendResult(ctx, "cmd-2", dispatch.FailureResult(dispatch.ErrorHandlerNotFound, "cmd-2", "Bogus", "no handler"))
	env2 := recvEnvelope(t, clientConn, time.Second)
	res2, err := env2.AsCommandResult()
	if err != nil || res2.Success || res2.Error.Code != string(dispatch.ErrorHandlerNotFound) {
		t.Fatalf("unexpected failure command_result: %+v err=%v", res2, err)
	}
}

// T3: subscribing acks and enables PublishEvent for that stream only.
func TestSessionSubscribeGatesPublishEvent(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	subFrame := &wire.SubscribeFrame{StreamId: "stream-a"}
	subFrame.Id = uuid.NewString()
	subFrame.Type = wire.TypeSubscribe
	raw, _ := wire.Encode(subFrame)
	sendFrame(t, clientConn, raw)

	ackEnv := recvEnvelope(t, clientConn, time.Second)
	if ackEnv.Kind() != wire.TypeSubscriptionAck {
		t.Fatalf("expected subscription_ack, got %s", ackEnv.Kind())
	}

	sess.PublishEvent(ctx, eventstore.CommittedEvent{StreamId: "stream-b", EventNumber: 1, GlobalPos: 1, Type: "Ignored", Data: []byte("{}")})
	sess.PublishEvent(ctx, eventstore.CommittedEvent{StreamId: "stream-a", EventNumber: 1, GlobalPos: 2, Type: "Matched", Data: []byte(`{"ok":true}`)})

	evEnv := recvEnvelope(t, clientConn, time.Second)
	if evEnv.Kind() != wire.TypeEvent {
		t.Fatalf("expected event frame, got %s", evEnv.Kind())
	}
	ev, err := evEnv.AsEvent()
	if err != nil || ev.StreamId != "stream-a" || ev.EventType != "Matched" {
		t.Fatalf("unexpected event: %+v err=%v", ev, err)
	}

	// Confirm nothing further arrives (the "Ignored" stream-b event was
	// never sent on this connection).
	select {
	case raw := <-clientConn.Receive():
		env, _ := wire.Decode(raw)
		t.Fatalf("expected no further frames, got %s", env.Kind())
	case <-time.After(100 * time.Millisecond):
	}
}

// T4: unsubscribe stops PublishEvent from reaching this connection.
func TestSessionUnsubscribeStopsPublishEvent(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	subFrame := &wire.SubscribeFrame{StreamId: "stream-a"}
	subFrame.Id = uuid.NewString()
	subFrame.Type = wire.TypeSubscribe
	raw, _ := wire.Encode(subFrame)
	sendFrame(t, clientConn, raw)
	recvEnvelope(t, clientConn, time.Second) // ack

	unsubFrame := &wire.UnsubscribeFrame{StreamId: "stream-a"}
	unsubFrame.Id = uuid.NewString()
	unsubFrame.Type = wire.TypeUnsubscribe
	rawUnsub, _ := wire.Encode(unsubFrame)
	sendFrame(t, clientConn, rawUnsub)
	time.Sleep(50 * time.Millisecond) // let the unsubscribe land

	sess.PublishEvent(ctx, eventstore.CommittedEvent{StreamId: "stream-a", EventNumber: 2, GlobalPos: 3, Type: "ShouldNotArrive", Data: []byte("{}")})

	select {
	case raw := <-clientConn.Receive():
		env, _ := wire.Decode(raw)
		t.Fatalf("expected no frames after unsubscribe, got %s", env.Kind())
	case <-time.After(150 * time.Millisecond):
	}
}

// T5: ping is answered with a correlated pong.
func TestSessionPingPong(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	ping := &wire.PingFrame{}
	ping.Id = uuid.NewString()
	ping.Type = wire.TypePing
	raw, _ := wire.Encode(ping)
	sendFrame(t, clientConn, raw)

	env := recvEnvelope(t, clientConn, time.Second)
	if env.Kind() != wire.TypePong || env.CorrelationId() != ping.Id {
		t.Fatalf("unexpected pong response: %+v", env)
	}
}

// T6: a malformed frame is dropped silently; the connection keeps
// processing subsequent valid frames (spec B4).
func TestSessionMalformedFrameDoesNotKillConnection(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sendFrame(t, clientConn, []byte(`{not valid json`))

	ping := &wire.PingFrame{}
	ping.Id = uuid.NewString()
	ping.Type = wire.TypePing
	raw, _ := wire.Encode(ping)
	sendFrame(t, clientConn, raw)

	env := recvEnvelope(t, clientConn, time.Second)
	if env.Kind() != wire.TypePong || env.CorrelationId() != ping.Id {
		t.Fatalf("expected pong after malformed frame was dropped, got %+v", env)
	}
}

// T7: OnWireCommand closes when the connection ends.
func TestSessionCommandStreamClosesOnDisconnect(t *testing.T) {
	serverConn, clientConn := transport.NewLoopbackPair()
	sess := New(serverConn, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	clientConn.Close()

	select {
	case _, ok := <-sess.OnWireCommand():
		if ok {
			t.Fatal("expected command stream to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command stream to close")
	}
}
