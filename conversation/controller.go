// Package conversation is the consumer side of the realtime layer: it owns
// the socket for the conversation on screen, merges delivered messages and
// exposes presence for rendering.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/coview/api"
	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
	"github.com/gosuda/coview/transport"
)

var ErrNoConversation = errors.New("no conversation id")

// HistorySource supplies the state fetched before live deltas start.
type HistorySource interface {
	Messages(ctx context.Context, conversationID string) ([]protocol.Message, error)
	Presence(ctx context.Context, conversationID string) ([]presence.Viewer, error)
}

type Options struct {
	ConversationID string
	Endpoint       api.Endpoint
	Token          string
	History        HistorySource
	Dialer         transport.Dialer
	Retry          transport.Backoff
	WriteTimeout   time.Duration
	Logger         *zerolog.Logger

	// OnTitle receives title updates pushed by the server.
	OnTitle func(title string)
	// OnChange fires after anything observable changed: messages,
	// presence, status or title.
	OnChange func()
}

// Controller binds one conversation view to its own transport.Client.
// Controllers never share a client, even for the same conversation.
type Controller struct {
	opts    Options
	base    zerolog.Logger
	tracker *presence.Tracker
	router  protocol.Router

	mu         sync.RWMutex
	id         string
	log        zerolog.Logger
	gen        uint64 // bumped by Switch and Close; stale opens compare against it
	client     *transport.Client
	cancel     []func()
	messages   []protocol.Message
	seen       map[string]struct{}
	title      string
	self       int64
	lastScroll *presence.Position
	closed     bool
}

func New(opts Options) *Controller {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Controller{
		opts:    opts,
		base:    logger,
		log:     logger.With().Str("conversation", opts.ConversationID).Logger(),
		tracker: presence.NewTracker(),
		id:      opts.ConversationID,
		seen:    make(map[string]struct{}),
	}
	c.router = protocol.Router{
		OnMessage:   c.onMessage,
		OnPresence:  func(e protocol.PresenceChanged) { c.tracker.Apply(e) },
		OnScroll:    func(e protocol.ScrollChanged) { c.tracker.Apply(e) },
		OnTitle:     c.onTitle,
		OnConnected: c.onConnected,
	}
	return c
}

// Open loads history and the presence snapshot, then starts the socket.
// A failed fetch is logged and the live stream starts anyway; only a
// missing id or an unusable endpoint is returned.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.client != nil {
		c.mu.Unlock()
		return nil
	}
	id, gen, logger := c.id, c.gen, c.log
	c.mu.Unlock()
	if id == "" {
		return ErrNoConversation
	}

	url, err := c.opts.Endpoint.SocketURL(id, c.opts.Token)
	if err != nil {
		return err
	}

	if h := c.opts.History; h != nil {
		msgs, err := h.Messages(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Msg("[conversation] load history")
		}
		if !c.apply(gen, func() { c.merge(msgs) }) {
			return nil
		}
		viewers, err := h.Presence(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Msg("[conversation] load presence")
		} else if !c.apply(gen, func() { c.tracker.Seed(viewers) }) {
			return nil
		}
	}

	logger = logger.With().Str("url", url).Logger()
	client := transport.New(transport.Options{
		URL:          url,
		Retry:        c.opts.Retry,
		Dialer:       c.opts.Dialer,
		WriteTimeout: c.opts.WriteTimeout,
		Logger:       &logger,
	})

	c.mu.Lock()
	if c.closed || c.gen != gen || c.client != nil {
		c.mu.Unlock()
		client.Close()
		return nil
	}
	c.client = client
	c.cancel = []func(){client.Subscribe(c.handle), client.Watch(c.onState)}
	c.mu.Unlock()

	client.Connect()
	c.changed()
	return nil
}

// apply runs fn under c.mu unless a Switch or Close happened since gen was
// read. Fetched state for a conversation that is no longer shown is dropped.
func (c *Controller) apply(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		c.log.Debug().Msg("[conversation] dropped snapshot of a previous open")
		return false
	}
	fn()
	return true
}

// Switch moves the view to another conversation. The old socket is fully
// closed before anything is opened for id, and presence and messages are
// cleared unconditionally.
func (c *Controller) Switch(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	old, cancel := c.detach()
	c.id = id
	c.gen++
	c.log = c.base.With().Str("conversation", id).Logger()
	c.mu.Unlock()

	shutdown(old, cancel)
	c.reset()
	return c.Open(ctx)
}

// Close tears down the socket and any pending reconnect. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	old, cancel := c.detach()
	c.mu.Unlock()

	shutdown(old, cancel)
}

// Retry asks for a fresh connection, e.g. from a manual retry control once
// automatic retries are exhausted.
func (c *Controller) Retry() {
	if client := c.currentClient(); client != nil {
		client.Connect()
	}
}

func (c *Controller) detach() (*transport.Client, []func()) {
	old, cancel := c.client, c.cancel
	c.client, c.cancel = nil, nil
	return old, cancel
}

// shutdown runs without c.mu held: Close waits for the client loop, which
// may be blocked on c.mu inside a handler.
func shutdown(client *transport.Client, cancel []func()) {
	if client == nil {
		return
	}
	client.Close()
	for _, fn := range cancel {
		fn()
	}
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.messages = nil
	c.seen = make(map[string]struct{})
	c.title = ""
	c.self = 0
	c.lastScroll = nil
	c.mu.Unlock()
	c.tracker.Reset()
	c.changed()
}

func (c *Controller) handle(ev protocol.Event) {
	if c.router.Route(ev) {
		c.changed()
	}
}

func (c *Controller) onState(s transport.State) {
	switch s {
	case transport.StateDisconnected:
		c.tracker.Reset()
	case transport.StateConnected:
		c.mu.RLock()
		pos, client := c.lastScroll, c.client
		c.mu.RUnlock()
		if pos != nil && client != nil {
			client.Send(protocol.ScrollFrame(pos.Index, pos.MessageID))
		}
	}
	c.changed()
}

func (c *Controller) onMessage(e protocol.MessageDelivered) {
	c.mu.RLock()
	id, logger := c.id, c.log
	c.mu.RUnlock()
	if cid := e.Message.ConversationID; cid != "" && cid != id {
		logger.Warn().Str("message", e.Message.ID).Str("target", cid).Msg("[conversation] message for another conversation")
		return
	}
	c.Merge(e.Message)
}

func (c *Controller) onTitle(e protocol.TitleChanged) {
	c.mu.Lock()
	c.title = e.Title
	c.mu.Unlock()
	if c.opts.OnTitle != nil {
		c.opts.OnTitle(e.Title)
	}
}

func (c *Controller) onConnected(e protocol.Connected) {
	c.mu.Lock()
	c.self = e.UserID
	c.mu.Unlock()
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

// Merge appends messages whose id has not been seen and returns how many
// were added. Messages without an id cannot be deduplicated and are dropped.
func (c *Controller) Merge(msgs ...protocol.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merge(msgs)
}

func (c *Controller) merge(msgs []protocol.Message) int {
	added := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := c.seen[m.ID]; dup {
			continue
		}
		c.seen[m.ID] = struct{}{}
		c.messages = append(c.messages, m)
		added++
	}
	return added
}

// SendMessage forwards user text. False means the socket is not open and
// the caller should keep the text and let the user retry.
func (c *Controller) SendMessage(text string) bool {
	return c.Reply("", text)
}

// Reply sends text threaded under parentID.
func (c *Controller) Reply(parentID, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	client := c.currentClient()
	if client == nil {
		return false
	}
	return client.Send(protocol.SendMessageFrame(text, parentID))
}

// ReportScroll publishes the local reading position. Repeating the last
// reported position is a no-op; the position is resent after a reconnect.
func (c *Controller) ReportScroll(index int, messageID string) bool {
	if messageID == "" {
		return false
	}
	pos := &presence.Position{Index: index, MessageID: messageID}

	c.mu.Lock()
	client := c.client
	same := c.lastScroll != nil && *c.lastScroll == *pos
	c.lastScroll = pos
	c.mu.Unlock()

	if client == nil {
		return false
	}
	if same && client.State() == transport.StateConnected {
		return true
	}
	return client.Send(protocol.ScrollFrame(index, messageID))
}

func (c *Controller) currentClient() *transport.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Controller) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Messages returns the rendered history in arrival order.
func (c *Controller) Messages() []protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.Message(nil), c.messages...)
}

func (c *Controller) Status() transport.State {
	if client := c.currentClient(); client != nil {
		return client.State()
	}
	return transport.StateDisconnected
}

// Attempts reports scheduled reconnects since the last successful open.
func (c *Controller) Attempts() int {
	if client := c.currentClient(); client != nil {
		return client.Attempts()
	}
	return 0
}

func (c *Controller) Viewers() []presence.Viewer { return c.tracker.Viewers() }

func (c *Controller) ViewersOf(messageID string) []presence.Viewer {
	return c.tracker.ViewersOf(messageID)
}

func (c *Controller) Title() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.title
}

// Self is the user id the server reported for this connection, or 0.
func (c *Controller) Self() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}
