package clientproto

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/odin-labs/eventcore/internal/transport"
	"github.com/odin-labs/eventcore/internal/wire"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// recvServer reads frames sent by the Client out of its loopback peer.
func recvServer(t *testing.T, server transport.Conn, timeout time.Duration) *wire.Envelope {
	t.Helper()
	select {
	case raw := <-server.Receive():
		env, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("server received malformed frame: %v", err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame from client")
		return nil
	}
}

func sendToClient(t *testing.T, server transport.Conn, raw []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Send(ctx, raw); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
}

// T1: SendCommand succeeds when the server answers with a matching
// command_result.
func TestClientSendCommandSuccess(t *testing.T) {
	clientConn, serverConn := transport.NewLoopbackPair()
	c := New(context.Background(), clientConn, testLogger())
	defer c.Close()

	resCh := make(chan CommandResult, 1)
	go func() {
		resCh <- c.SendCommand(context.Background(), Command{
			AggregateName: "account",
			Target:        "acct-1",
			CommandName:   "OpenAccount",
			Payload:       json.RawMessage(`{}`),
		})
	}()

	env := recvServer(t, serverConn, time.Second)
	if env.Kind() != wire.TypeCommand {
		t.Fatalf("expected command frame, got %s", env.Kind())
	}
	cmdFrame, err := env.AsCommand()
	if err != nil {
		t.Fatalf("AsCommand: %v", err)
	}

	result := &wire.CommandResultFrame{
		Success:  true,
		Position: &wire.Position{StreamId: cmdFrame.Aggregate.Position.StreamId, EventNumber: 1},
	}
	result.Id = cmdFrame.Id
	result.Type = wire.TypeCommandResult
	raw, err := wire.Encode(result)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sendToClient(t, serverConn, raw)

	select {
	case res := <-resCh:
		if !res.Success {
			t.Fatalf("expected success, got %+v", res)
		}
		if res.Position == nil || res.Position.EventNumber != 1 {
			t.Fatalf("unexpected position: %+v", res.Position)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendCommand result")
	}
}

// T2: SendCommand times out when no result arrives within the deadline.
func TestClientSendCommandTimeout(t *testing.T) {
	clientConn, _ := transport.NewLoopbackPair()
	c := New(context.Background(), clientConn, testLogger())
	defer c.Close()

	res := c.SendCommand(context.Background(), Command{
		AggregateName: "account",
		Target:        "acct-1",
		CommandName:   "OpenAccount",
		Payload:       json.RawMessage(`{}`),
		Timeout:       50 * time.Millisecond,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != "Timeout" {
		t.Fatalf("expected Timeout, got %s", res.ErrorKind)
	}
}

// T3: connection loss completes every pending command as Disconnected.
func TestClientDisconnectCompletesPending(t *testing.T) {
	clientConn, serverConn := transport.NewLoopbackPair()
	c := New(context.Background(), clientConn, testLogger())
	defer c.Close()

	resCh := make(chan CommandResult, 1)
	go func() {
		resCh <- c.SendCommand(context.Background(), Command{
			AggregateName: "account",
			Target:        "acct-1",
			CommandName:   "OpenAccount",
			Payload:       json.RawMessage(`{}`),
			Timeout:       5 * time.Second,
		})
	}()

	recvServer(t, serverConn, time.Second)
	serverConn.Close()

	select {
	case res := <-resCh:
		if res.Success || res.ErrorKind != "Disconnected" {
			t.Fatalf("expected Disconnected failure, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect completion")
	}
}

// T4: Subscribe delivers events addressed to its streamId and ignores
// events for other streams.
func TestClientSubscribeDeliversMatchingEvents(t *testing.T) {
	clientConn, serverConn := transport.NewLoopbackPair()
	c := New(context.Background(), clientConn, testLogger())
	defer c.Close()

	events, err := c.Subscribe(context.Background(), "stream-a", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recvServer(t, serverConn, time.Second) // the subscribe frame itself

	other := &wire.EventFrame{StreamId: "stream-b", EventNumber: 1, Position: 1, EventType: "X", Event: json.RawMessage(`{}`)}
	other.Id = "e0"
	other.Type = wire.TypeEvent
	rawOther, _ := wire.Encode(other)
	sendToClient(t, serverConn, rawOther)

	matching := &wire.EventFrame{StreamId: "stream-a", EventNumber: 1, Position: 2, EventType: "Y", Event: json.RawMessage(`{"ok":true}`)}
	matching.Id = "e1"
	matching.Type = wire.TypeEvent
	rawMatching, _ := wire.Encode(matching)
	sendToClient(t, serverConn, rawMatching)

	select {
	case ev := <-events:
		if ev.StreamId != "stream-a" || ev.Type != "Y" {
			t.Fatalf("unexpected event delivered: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}
}

// T5: Unsubscribe ends the subscription channel.
func TestClientUnsubscribeEndsChannel(t *testing.T) {
	clientConn, serverConn := transport.NewLoopbackPair()
	c := New(context.Background(), clientConn, testLogger())
	defer c.Close()

	events, err := c.Subscribe(context.Background(), "stream-a", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recvServer(t, serverConn, time.Second) // subscribe frame

	c.Unsubscribe("stream-a")

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
