// Package transport defines the minimal byte/frame-oriented connection
// abstraction the client and server protocols consume, independent of the
// concrete wire (websocket, TCP, in-memory loopback).
package transport

import "context"

// State is a connection's lifecycle stage. Once Disconnected, a Conn never
// returns to Connected - a new transport must be created.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn is one connection's send/receive/lifecycle surface. Send fails when
// the connection is not currently connected. Receive's channel ends on
// close. Close is idempotent.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive() <-chan []byte
	State() <-chan State
	Close() error
}

// Listener accepts incoming sessions, each exposing the Conn surface.
type Listener interface {
	Accept(ctx context.Context) (<-chan Conn, error)
	Close() error
}
