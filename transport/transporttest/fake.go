// Package transporttest provides an in-memory socket and dialer for tests
// of code built on transport.Client.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosuda/coview/transport"
)

// Conn is an in-memory socket. Frames pushed with Deliver are read by the
// client; Drop and Fail end the read side like a remote close or a network
// error.
type Conn struct {
	URL string

	in   chan []byte
	end  chan error
	once sync.Once

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func NewConn(url string) *Conn {
	return &Conn{URL: url, in: make(chan []byte, 64), end: make(chan error, 1)}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case err := <-c.end:
		return 0, nil, err
	}
}

func (c *Conn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	if mt == websocket.TextMessage {
		c.written = append(c.written, append([]byte(nil), data...))
	}
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.finish(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	return nil
}

func (c *Conn) finish(err error) {
	c.once.Do(func() { c.end <- err })
}

// Deliver queues an inbound text frame.
func (c *Conn) Deliver(frame string) { c.in <- []byte(frame) }

// Drop simulates the server closing the socket.
func (c *Conn) Drop() { c.finish(&websocket.CloseError{Code: websocket.CloseGoingAway}) }

// Fail simulates a transport error.
func (c *Conn) Fail() { c.finish(errors.New("connection reset by peer")) }

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns the text frames written by the client.
func (c *Conn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, b := range c.written {
		out = append(out, string(b))
	}
	return out
}

// Dialer hands out Conns, or errors while Refuse is set. With Hold set,
// Dial blocks until its context is cancelled.
type Dialer struct {
	Refuse atomic.Bool
	Hold   atomic.Bool

	dials atomic.Int32
	mu    sync.Mutex
	conns []*Conn
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.dials.Add(1)
	if d.Hold.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.Refuse.Load() {
		return nil, errors.New("connection refused")
	}
	c := NewConn(url)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Last returns the most recently opened Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conns returns every Conn opened so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Count is the number of Dial calls, successful or not.
func (d *Dialer) Count() int { return int(d.dials.Load()) }
