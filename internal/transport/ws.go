package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSConn is the production Conn, framing JSON text messages over a raw
// net.Conn upgraded to websocket by gobwas/ws. It forks a read pump and a
// write pump per connection, mirroring the teacher's pump_read.go /
// pump_write.go split: the read pump only ever feeds the Receive channel
// and flips state on error, the write pump is the sole writer on the
// socket (preserving one-frame-per-write JSON boundaries).
type WSConn struct {
	conn   net.Conn
	logger zerolog.Logger

	send    chan []byte
	recv    chan []byte
	stateCh chan State

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// NewWSConn takes ownership of an already-upgraded net.Conn and starts its
// pumps.
func NewWSConn(conn net.Conn, logger zerolog.Logger) *WSConn {
	c := &WSConn{
		conn:    conn,
		logger:  logger,
		send:    make(chan []byte, 256),
		recv:    make(chan []byte, 256),
		stateCh: make(chan State, 4),
		state:   StateConnected,
	}
	c.stateCh <- StateConnected
	go c.readPump()
	go c.writePump()
	return c
}

// UpgradeHTTP upgrades an incoming HTTP request to a websocket connection
// and returns a ready WSConn.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*WSConn, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	return NewWSConn(conn, logger), nil
}

func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateConnected {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSConn) Receive() <-chan []byte { return c.recv }
func (c *WSConn) State() <-chan State    { return c.stateCh }

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnecting
		c.mu.Unlock()
		c.stateCh <- StateDisconnecting
		close(c.send)
	})
	return nil
}

func (c *WSConn) readPump() {
	defer func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.stateCh <- StateDisconnected
		close(c.recv)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			select {
			case c.recv <- msg:
			default:
				c.logger.Warn().Msg("transport: receive buffer saturated, dropping inbound frame")
			}
		case ws.OpClose:
			return
		}
	}
}

func (c *WSConn) writePump() {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				c.logger.Debug().Err(err).Msg("transport: write failed")
				return
			}
			// Drain any further already-queued frames before flushing, to
			// batch syscalls under burst load.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					writer.Flush()
					return
				}
				if err := wsutil.WriteServerMessage(writer, ws.OpText, next); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// WSListener adapts an http.Server's upgrade handler into a Listener by
// handing each upgraded connection to a channel.
type WSListener struct {
	logger zerolog.Logger
	conns  chan Conn
	server *http.Server
}

// Gate is consulted before every upgrade attempt; returning ok=false
// rejects the request with status and msg instead of upgrading it. Used
// to wire in authentication and rate limiting without transport owning
// either concern.
type Gate func(r *http.Request) (ok bool, status int, msg string)

// ListenerOptions configures an optional admission Gate and lets the
// caller supply its own mux so /ws can share a listener with other
// routes (health checks, metrics).
type ListenerOptions struct {
	Mux  *http.ServeMux
	Gate Gate
}

// NewWSListener builds an HTTP server on addr whose single route upgrades
// every request at path to a websocket Conn; Accept starts serving it.
func NewWSListener(addr, path string, logger zerolog.Logger) *WSListener {
	return NewWSListenerWithOptions(addr, path, ListenerOptions{}, logger)
}

// NewWSListenerWithOptions is NewWSListener plus an admission Gate and/or
// a caller-owned mux.
func NewWSListenerWithOptions(addr, path string, opts ListenerOptions, logger zerolog.Logger) *WSListener {
	l := &WSListener{logger: logger, conns: make(chan Conn, 16)}
	mux := opts.Mux
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if opts.Gate != nil {
			if ok, status, msg := opts.Gate(r); !ok {
				http.Error(w, msg, status)
				return
			}
		}
		conn, err := UpgradeHTTP(w, r, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("transport: websocket upgrade failed")
			return
		}
		l.conns <- conn
	})
	l.server = &http.Server{Addr: addr, Handler: mux}
	return l
}

func (l *WSListener) Accept(ctx context.Context) (<-chan Conn, error) {
	go func() {
		<-ctx.Done()
		l.server.Close()
	}()
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.logger.Error().Err(err).Msg("transport: listener stopped")
		}
	}()
	return l.conns, nil
}

func (l *WSListener) Close() error {
	return l.server.Close()
}
