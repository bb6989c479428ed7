// Package transport keeps one reconnecting websocket per conversation view.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/coview/protocol"
)

const (
	defaultWriteTimeout = 10 * time.Second
	loopBufferSize      = 256
)

// Options configures a Client.
type Options struct {
	URL          string
	Retry        Backoff
	Dialer       Dialer
	WriteTimeout time.Duration
	Decoder      protocol.Decoder
	Logger       *zerolog.Logger
}

// Client owns a single socket and its reconnect timer. Socket callbacks,
// timer callbacks and subscriber dispatch all run on one loop goroutine,
// so subscribers observe events strictly in transport order.
//
// Subscribers must not call Close; Send and State are safe anywhere.
type Client struct {
	opts Options
	log  zerolog.Logger

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	gen        uint64
	dialing    bool
	cancelDial context.CancelFunc
	timer      *time.Timer
	closed     bool

	mu       sync.RWMutex
	state    State
	conn     Conn
	attempts int
	subs     []subscriber
	watchers []watcher
	nextID   int

	writeMu sync.Mutex
}

type subscriber struct {
	id int
	fn func(protocol.Event)
}

type watcher struct {
	id int
	fn func(State)
}

// New returns a disconnected client. Call Connect to start dialing.
func New(opts Options) *Client {
	opts.Retry = opts.Retry.withDefaults()
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		opts:  opts,
		log:   logger,
		cmds:  make(chan func(), loopBufferSize),
		done:  make(chan struct{}),
		state: StateDisconnected,
	}
	go c.loop()
	return c
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Connect requests a connection. It is a no-op while a socket is open or
// being dialed and after Close. An explicit Connect starts a fresh retry
// budget, which is how a UI offers manual retry after retries run out.
func (c *Client) Connect() {
	c.post(func() {
		if c.closed || c.dialing || c.currentConn() != nil {
			return
		}
		if c.opts.URL == "" {
			c.log.Warn().Msg("[transport] connect without target ignored")
			return
		}
		c.stopTimer()
		c.setAttempts(0)
		c.open()
	})
}

func (c *Client) open() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.dialing = true
	c.setState(StateConnecting)

	go func() {
		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if !c.post(func() { c.dialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) dialed(gen uint64, conn Conn, err error) {
	if gen == c.gen {
		c.dialing = false
		if c.cancelDial != nil {
			c.cancelDial()
			c.cancelDial = nil
		}
	}
	if c.closed || gen != c.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Int("attempt", c.Attempts()).Msg("[transport] dial failed")
		c.setState(StateError)
		c.disconnected()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Debug().Msg("[transport] connected")

	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(func() { c.closedBy(gen, err) })
			return
		}
		if !c.post(func() { c.frame(gen, data) }) {
			return
		}
	}
}

func (c *Client) frame(gen uint64, data []byte) {
	if c.closed || gen != c.gen {
		return
	}
	ev, err := c.opts.Decoder.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("[transport] drop frame")
		return
	}
	if ev == nil {
		return
	}
	if p, ok := ev.(protocol.Ping); ok {
		if conn := c.currentConn(); conn != nil {
			c.write(conn, protocol.PongFrame(p.Timestamp))
		}
		return
	}
	c.dispatch(ev)
}

func (c *Client) closedBy(gen uint64, err error) {
	if c.closed || gen != c.gen {
		return
	}
	if isClosure(err) {
		c.log.Debug().Err(err).Msg("[transport] socket closed")
	} else {
		c.log.Warn().Err(err).Msg("[transport] socket error")
		c.setState(StateError)
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.disconnected()
}

// disconnected enters StateDisconnected and schedules a retry if the
// budget allows.
func (c *Client) disconnected() {
	c.setState(StateDisconnected)

	attempt := c.Attempts()
	delay, ok := c.opts.Retry.Next(attempt)
	if !ok {
		c.log.Warn().Int("attempts", attempt).Msg("[transport] retries exhausted")
		return
	}
	c.setAttempts(attempt + 1)
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() {
		c.post(func() { c.retry(gen) })
	})
}

func (c *Client) retry(gen uint64) {
	if c.closed || gen != c.gen || c.timer == nil {
		return
	}
	c.timer = nil
	c.log.Debug().Int("attempt", c.Attempts()).Msg("[transport] reconnecting")
	c.open()
}

func (c *Client) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close tears the client down: the reconnect timer is cancelled, an
// in-flight dial is aborted and the socket is closed without retry. It
// returns after teardown has run and is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		ack := make(chan struct{})
		c.post(func() {
			c.teardown()
			close(ack)
		})
		<-ack
		close(c.done)
	})
}

func (c *Client) teardown() {
	c.closed = true
	c.gen++
	c.stopTimer()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.dialing = false

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// Send writes v as a JSON text frame. It returns false without queueing
// unless the socket is open.
func (c *Client) Send(v any) bool {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()
	if conn == nil || state != StateConnected {
		return false
	}
	return c.write(conn, v)
}

// write encodes without HTML escaping so message text arrives verbatim.
func (c *Client) write(conn Conn, v any) bool {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		c.log.Error().Err(err).Msg("[transport] encode frame")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		c.log.Debug().Err(err).Msg("[transport] write frame")
		return false
	}
	return true
}

// Subscribe registers fn for every inbound conversation event.
func (c *Client) Subscribe(fn func(protocol.Event)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Watch registers fn for state transitions.
func (c *Client) Watch(fn func(State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.watchers = append(c.watchers, watcher{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w.id == id {
				c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	c.mu.RLock()
	subs := append([]subscriber(nil), c.subs...)
	c.mu.RUnlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	watchers := append([]watcher(nil), c.watchers...)
	c.mu.Unlock()
	for _, w := range watchers {
		w.fn(s)
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts is the number of reconnects scheduled since the last successful
// open.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

func (c *Client) setAttempts(n int) {
	c.mu.Lock()
	c.attempts = n
	c.mu.Unlock()
}

func (c *Client) currentConn() Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
