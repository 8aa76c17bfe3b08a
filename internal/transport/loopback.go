package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send on a Conn that is no longer connected.
var ErrClosed = errors.New("transport: connection closed")

// loopbackConn is an in-memory Conn backed by a channel, used by the
// in-process loopback pair below and by tests that want a real Conn
// without a socket.
type loopbackConn struct {
	out chan []byte // frames this side sends, the peer reads from its `in`
	in  chan []byte // frames this side receives

	stateCh chan State
	mu      sync.Mutex
	state   State
	closeOnce sync.Once
}

func newLoopbackConn() *loopbackConn {
	c := &loopbackConn{
		out:     make(chan []byte, 64),
		in:      make(chan []byte, 64),
		stateCh: make(chan State, 4),
		state:   StateConnected,
	}
	c.stateCh <- StateConnected
	return c
}

// NewLoopbackPair returns two connected Conns, each other's peer - useful
// for testing the client and server protocol state machines against each
// other without a socket.
func NewLoopbackPair() (client Conn, server Conn) {
	a := newLoopbackConn()
	b := newLoopbackConn()
	// Wire a's outbound to b's inbound and vice versa.
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a.out, a.in = ab, ba
	b.out, b.in = ba, ab
	return a, b
}

func (c *loopbackConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateConnected {
		return ErrClosed
	}
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *loopbackConn) Receive() <-chan []byte { return c.in }

func (c *loopbackConn) State() <-chan State { return c.stateCh }

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.stateCh <- StateDisconnected
		close(c.out)
	})
	return nil
}
