package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed = errors.New("pool: connection closed")
	ErrEmptyPool  = errors.New("pool: no connections")
)

// Message is one chat payload sent over a pooled connection. The strategy
// decides how it is framed on the wire.
type Message struct {
	Type     string
	Content  string
	Sequence int64
}

// Conn is a live WebSocket connection owned by a Pool.
type Conn struct {
	ID      string
	Variant string

	ws       *websocket.Conn
	strategy Strategy

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	dead     atomic.Bool
	received atomic.Int64

	pongs chan struct{}
	done  chan struct{}
}

func newConn(id string, ws *websocket.Conn, s Strategy) *Conn {
	c := &Conn{
		ID:       id,
		Variant:  s.Name(),
		ws:       ws,
		strategy: s,
		pongs:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	go c.readLoop()
	return c
}

// readLoop drains inbound frames. Broadcasts are counted and discarded;
// control frames are dispatched by gorilla from inside ReadMessage.
func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.dead.Store(true)
			return
		}
		c.received.Add(1)
	}
}

// Send writes one framed message. The write deadline follows ctx.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if c.dead.Load() {
		return ErrConnClosed
	}
	data, err := c.strategy.Frame(msg)
	if err != nil {
		return fmt.Errorf("frame message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.dead.Store(true)
		return fmt.Errorf("send %s: %w", c.ID, err)
	}
	return nil
}

// Ping writes a ping control frame and waits for the matching pong.
func (c *Conn) Ping(ctx context.Context) error {
	if c.dead.Load() {
		return ErrConnClosed
	}

	// Drop a stale pong left over from an earlier probe.
	select {
	case <-c.pongs:
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := c.ws.WriteControl(websocket.PingMessage, []byte(c.ID), deadline); err != nil {
		c.dead.Store(true)
		return fmt.Errorf("ping %s: %w", c.ID, err)
	}

	select {
	case <-c.pongs:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the read loop still sees an open socket.
func (c *Conn) Alive() bool {
	return !c.dead.Load()
}

// Received is the number of inbound data frames seen so far.
func (c *Conn) Received() int64 {
	return c.received.Load()
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
