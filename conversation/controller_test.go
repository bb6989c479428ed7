package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/coview/api"
	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
	"github.com/gosuda/coview/transport"
	"github.com/gosuda/coview/transport/transporttest"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeHistory struct {
	messages map[string][]protocol.Message
	viewers  map[string][]presence.Viewer
	err      error
}

func (h *fakeHistory) Messages(_ context.Context, id string) ([]protocol.Message, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.messages[id], nil
}

func (h *fakeHistory) Presence(_ context.Context, id string) ([]presence.Viewer, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.viewers[id], nil
}

func msg(id, conv, text string) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         protocol.Sender{UserID: 1, Username: "alice"},
		Role:           protocol.RoleUser,
		Content:        text,
		Timestamp:      epoch,
	}
}

func encode(t *testing.T, f protocol.Frame) string {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	return string(b)
}

type harness struct {
	ctl     *Controller
	dialer  *transporttest.Dialer
	changes atomic.Int32
	titles  chan string
}

func newHarness(t *testing.T, id string, history HistorySource, retry transport.Backoff) *harness {
	t.Helper()
	h := &harness{dialer: &transporttest.Dialer{}, titles: make(chan string, 8)}
	h.ctl = New(Options{
		ConversationID: id,
		Endpoint:       api.Endpoint{BaseURL: "http://chat.test"},
		Token:          "7:bob",
		History:        history,
		Dialer:         h.dialer,
		Retry:          retry,
		OnTitle:        func(title string) { h.titles <- title },
		OnChange:       func() { h.changes.Add(1) },
	})
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) open(t *testing.T) *transporttest.Conn {
	t.Helper()
	require.NoError(t, h.ctl.Open(context.Background()))
	require.Eventually(t, func() bool { return h.ctl.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	return h.dialer.Last()
}

func noRetry() transport.Backoff { return transport.Backoff{MaxAttempts: -1} }

func TestOpen_LoadsHistoryAndPresence(t *testing.T) {
	history := &fakeHistory{
		messages: map[string][]protocol.Message{"c1": {msg("m1", "c1", "hi"), msg("m2", "c1", "yo"), msg("m1", "c1", "hi")}},
		viewers: map[string][]presence.Viewer{"c1": {{
			UserID: 2, Username: "carol", JoinedAt: epoch,
			Position: &presence.Position{Index: 1, MessageID: "m2"},
		}}},
	}
	h := newHarness(t, "c1", history, noRetry())
	conn := h.open(t)

	assert.Equal(t, "ws://chat.test/ws/conversations/c1?token=7%3Abob", conn.URL)
	require.Len(t, h.ctl.Messages(), 2)
	assert.Equal(t, "m1", h.ctl.Messages()[0].ID)
	assert.Equal(t, "m2", h.ctl.Messages()[1].ID)

	viewers := h.ctl.ViewersOf("m2")
	require.Len(t, viewers, 1)
	assert.Equal(t, "carol", viewers[0].Username)
	assert.Positive(t, h.changes.Load())
}

func TestOpen_HistoryFailureStillConnects(t *testing.T) {
	h := newHarness(t, "c1", &fakeHistory{err: errors.New("boom")}, noRetry())
	h.open(t)
	assert.Empty(t, h.ctl.Messages())
	assert.Empty(t, h.ctl.Viewers())
}

func TestOpen_Errors(t *testing.T) {
	h := newHarness(t, "", nil, noRetry())
	assert.ErrorIs(t, h.ctl.Open(context.Background()), ErrNoConversation)

	bad := New(Options{ConversationID: "c1", Dialer: &transporttest.Dialer{}})
	defer bad.Close()
	assert.Error(t, bad.Open(context.Background()))
}

func TestMessages_DeduplicatedAndFiltered(t *testing.T) {
	history := &fakeHistory{messages: map[string][]protocol.Message{"c1": {msg("m1", "c1", "hi")}}}
	h := newHarness(t, "c1", history, noRetry())
	conn := h.open(t)

	conn.Deliver(encode(t, protocol.ChatMessageFrame(msg("m1", "c1", "hi"))))
	conn.Deliver(encode(t, protocol.ChatMessageFrame(msg("x1", "other", "wrong room"))))
	conn.Deliver(encode(t, protocol.ChatMessageFrame(msg("", "c1", "no id"))))
	conn.Deliver(encode(t, protocol.ChatMessageFrame(msg("m2", "c1", "new"))))

	require.Eventually(t, func() bool { return len(h.ctl.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := h.ctl.Messages()
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "new", got[1].Content)
}

func TestMerge(t *testing.T) {
	c := New(Options{ConversationID: "c1"})
	assert.Equal(t, 2, c.Merge(msg("a", "c1", ""), msg("b", "c1", "")))
	assert.Equal(t, 1, c.Merge(msg("b", "c1", ""), msg("c", "c1", ""), msg("", "c1", "")))
	assert.Equal(t, 0, c.Merge())
	require.Len(t, c.Messages(), 3)

	out := c.Messages()
	out[0].ID = "mutated"
	assert.Equal(t, "a", c.Messages()[0].ID)
}

func TestPresence_JoinScrollLeave(t *testing.T) {
	h := newHarness(t, "c1", nil, noRetry())
	conn := h.open(t)

	conn.Deliver(encode(t, protocol.PresenceFrame(protocol.ActionJoined, 2, "carol", epoch)))
	conn.Deliver(encode(t, protocol.ScrollChangedFrame(2, "carol", 4, "m4", epoch)))
	require.Eventually(t, func() bool { return len(h.ctl.ViewersOf("m4")) == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Deliver(encode(t, protocol.ScrollChangedFrame(2, "carol", 5, "m5", epoch)))
	require.Eventually(t, func() bool { return len(h.ctl.ViewersOf("m5")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.ctl.ViewersOf("m4"))

	conn.Deliver(encode(t, protocol.PresenceFrame(protocol.ActionLeft, 2, "carol", epoch)))
	require.Eventually(t, func() bool { return len(h.ctl.Viewers()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.ctl.ViewersOf("m5"))
}

func TestReconnect_ClearsPresence(t *testing.T) {
	history := &fakeHistory{viewers: map[string][]presence.Viewer{"c1": {{UserID: 9, Username: "zed"}}}}
	h := newHarness(t, "c1", history, transport.Backoff{Interval: 20 * time.Millisecond, MaxAttempts: 3})
	first := h.open(t)

	first.Deliver(encode(t, protocol.PresenceFrame(protocol.ActionJoined, 2, "carol", epoch)))
	require.Eventually(t, func() bool { return len(h.ctl.Viewers()) == 2 }, 2*time.Second, 5*time.Millisecond)

	first.Drop()
	require.Eventually(t, func() bool { return h.dialer.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.ctl.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.ctl.Viewers())

	second := h.dialer.Last()
	require.NotSame(t, first, second)
	second.Deliver(encode(t, protocol.PresenceFrame(protocol.ActionJoined, 3, "dave", epoch)))
	require.Eventually(t, func() bool { return len(h.ctl.Viewers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "dave", h.ctl.Viewers()[0].Username)
}

func TestTitleAndSelf(t *testing.T) {
	h := newHarness(t, "c1", nil, noRetry())
	conn := h.open(t)

	conn.Deliver(encode(t, protocol.ConnectedFrame("c1", 7, epoch)))
	conn.Deliver(encode(t, protocol.TitleFrame("Launch plan", epoch)))

	select {
	case title := <-h.titles:
		assert.Equal(t, "Launch plan", title)
	case <-time.After(2 * time.Second):
		t.Fatal("no title callback")
	}
	assert.Equal(t, "Launch plan", h.ctl.Title())
	assert.Equal(t, int64(7), h.ctl.Self())
}

// orderedDialer records, for every dial, whether all earlier sockets were
// already closed.
type orderedDialer struct {
	transporttest.Dialer
	mu     sync.Mutex
	clean  []bool
	target []string
}

func (d *orderedDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	closed := true
	for _, c := range d.Dialer.Conns() {
		closed = closed && c.IsClosed()
	}
	d.mu.Lock()
	d.clean = append(d.clean, closed)
	d.target = append(d.target, url)
	d.mu.Unlock()
	return d.Dialer.Dial(ctx, url)
}

func TestSwitch_ClosesOldBeforeOpeningNew(t *testing.T) {
	dialer := &orderedDialer{}
	history := &fakeHistory{messages: map[string][]protocol.Message{
		"c1": {msg("m1", "c1", "one")},
		"c2": {msg("n1", "c2", "two")},
	}}
	c := New(Options{
		ConversationID: "c1",
		Endpoint:       api.Endpoint{BaseURL: "https://chat.test"},
		History:        history,
		Dialer:         dialer,
		Retry:          transport.Backoff{Interval: 10 * time.Millisecond, MaxAttempts: 5},
	})
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	first := dialer.Last()
	first.Deliver(encode(t, protocol.PresenceFrame(protocol.ActionJoined, 2, "carol", epoch)))
	first.Deliver(encode(t, protocol.TitleFrame("old", epoch)))
	require.Eventually(t, func() bool { return c.Title() == "old" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Switch(context.Background(), "c2"))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, first.IsClosed())
	assert.Equal(t, "c2", c.ConversationID())
	require.Len(t, c.Messages(), 1)
	assert.Equal(t, "n1", c.Messages()[0].ID)
	assert.Empty(t, c.Viewers())
	assert.Empty(t, c.Title())

	// a late frame on the old socket must not leak into the new view
	first.Deliver(encode(t, protocol.ChatMessageFrame(msg("m9", "c1", "late"))))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Messages(), 1)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.clean, 2)
	assert.Equal(t, []bool{true, true}, dialer.clean)
	assert.True(t, strings.HasPrefix(dialer.target[1], "wss://chat.test/ws/conversations/c2"))
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, "c1", nil, noRetry())
	assert.False(t, h.ctl.SendMessage("before open"))

	conn := h.open(t)
	assert.False(t, h.ctl.SendMessage("   "))
	assert.True(t, h.ctl.SendMessage(" hello "))
	assert.True(t, h.ctl.Reply("m1", "threaded"))
	assert.Equal(t, []string{
		`{"type":"send_message","content":"hello"}`,
		`{"type":"send_message","content":"threaded","parent_id":"m1"}`,
	}, conn.Frames())

	conn.Drop()
	require.Eventually(t, func() bool { return h.ctl.Status() == transport.StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.ctl.SendMessage("after drop"))
	assert.Len(t, conn.Frames(), 2)
}

func TestSendMessage_RefusedDial(t *testing.T) {
	h := newHarness(t, "c1", nil, noRetry())
	h.dialer.Refuse.Store(true)
	require.NoError(t, h.ctl.Open(context.Background()))
	require.Eventually(t, func() bool { return h.dialer.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.ctl.Status() == transport.StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.ctl.SendMessage("hello"))

	h.dialer.Refuse.Store(false)
	h.ctl.Retry()
	require.Eventually(t, func() bool { return h.ctl.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.ctl.SendMessage("hello"))
}

func TestReportScroll(t *testing.T) {
	h := newHarness(t, "c1", nil, transport.Backoff{Interval: 10 * time.Millisecond, MaxAttempts: 3})
	assert.False(t, h.ctl.ReportScroll(0, "m0"))

	first := h.open(t)
	// the position recorded before connecting is replayed on open
	require.Eventually(t, func() bool { return len(first.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, h.ctl.ReportScroll(1, ""))
	assert.True(t, h.ctl.ReportScroll(3, "m3"))
	assert.True(t, h.ctl.ReportScroll(3, "m3"))
	assert.True(t, h.ctl.ReportScroll(4, "m4"))
	assert.Equal(t, []string{
		`{"type":"scroll_position","message_index":0,"message_id":"m0"}`,
		`{"type":"scroll_position","message_index":3,"message_id":"m3"}`,
		`{"type":"scroll_position","message_index":4,"message_id":"m4"}`,
	}, first.Frames())

	first.Drop()
	require.Eventually(t, func() bool {
		last := h.dialer.Last()
		return last != first && len(last.Frames()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"type":"scroll_position","message_index":4,"message_id":"m4"}`, h.dialer.Last().Frames()[0])
}

func TestClose(t *testing.T) {
	h := newHarness(t, "c1", nil, transport.Backoff{Interval: 10 * time.Millisecond, MaxAttempts: 5})
	conn := h.open(t)

	h.ctl.Close()
	h.ctl.Close()
	assert.True(t, conn.IsClosed())
	assert.Equal(t, transport.StateDisconnected, h.ctl.Status())

	require.NoError(t, h.ctl.Open(context.Background()))
	require.NoError(t, h.ctl.Switch(context.Background(), "c2"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count())
	assert.False(t, h.ctl.SendMessage("closed"))
}

// gatedHistory blocks the history fetch of one conversation until release
// is closed.
type gatedHistory struct {
	fakeHistory
	gate    string
	entered chan struct{}
	release chan struct{}
}

func newGatedHistory(gate string, h fakeHistory) *gatedHistory {
	return &gatedHistory{fakeHistory: h, gate: gate, entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *gatedHistory) Messages(ctx context.Context, id string) ([]protocol.Message, error) {
	if id == h.gate {
		close(h.entered)
		<-h.release
	}
	return h.fakeHistory.Messages(ctx, id)
}

func TestOpen_SnapshotDroppedAfterSwitch(t *testing.T) {
	history := newGatedHistory("c1", fakeHistory{
		messages: map[string][]protocol.Message{
			"c1": {msg("old1", "c1", "stale")},
			"c2": {msg("new1", "c2", "fresh")},
		},
		viewers: map[string][]presence.Viewer{"c1": {{UserID: 99, Username: "ghost", JoinedAt: epoch}}},
	})
	h := newHarness(t, "c1", history, noRetry())

	opened := make(chan error, 1)
	go func() { opened <- h.ctl.Open(context.Background()) }()
	<-history.entered

	require.NoError(t, h.ctl.Switch(context.Background(), "c2"))
	require.Eventually(t, func() bool { return h.ctl.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)

	close(history.release)
	require.NoError(t, <-opened)

	require.Len(t, h.ctl.Messages(), 1)
	assert.Equal(t, "new1", h.ctl.Messages()[0].ID)
	assert.Empty(t, h.ctl.Viewers())
	require.Equal(t, 1, h.dialer.Count())
	assert.Contains(t, h.dialer.Last().URL, "/ws/conversations/c2")
}

func TestOpen_SnapshotDroppedAfterClose(t *testing.T) {
	history := newGatedHistory("c1", fakeHistory{
		messages: map[string][]protocol.Message{"c1": {msg("old1", "c1", "stale")}},
		viewers:  map[string][]presence.Viewer{"c1": {{UserID: 99, Username: "ghost", JoinedAt: epoch}}},
	})
	h := newHarness(t, "c1", history, noRetry())

	opened := make(chan error, 1)
	go func() { opened <- h.ctl.Open(context.Background()) }()
	<-history.entered

	h.ctl.Close()
	close(history.release)
	require.NoError(t, <-opened)

	assert.Empty(t, h.ctl.Messages())
	assert.Empty(t, h.ctl.Viewers())
	assert.Zero(t, h.dialer.Count())
}

func TestSwitch_CancelsPendingReconnect(t *testing.T) {
	dialer := &orderedDialer{}
	c := New(Options{
		ConversationID: "c1",
		Endpoint:       api.Endpoint{BaseURL: "https://chat.test"},
		Dialer:         dialer,
		Retry:          transport.Backoff{Interval: 100 * time.Millisecond, MaxAttempts: 5},
	})
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)

	dialer.Last().Drop()
	require.Eventually(t, func() bool { return c.Attempts() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Switch(context.Background(), "c2"))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.target, 2)
	assert.Contains(t, dialer.target[0], "/ws/conversations/c1")
	assert.Contains(t, dialer.target[1], "/ws/conversations/c2")
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, "c1", nil, transport.Backoff{Interval: 100 * time.Millisecond, MaxAttempts: 5})
	conn := h.open(t)

	conn.Drop()
	require.Eventually(t, func() bool { return h.ctl.Attempts() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.ctl.Close()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Count())
	assert.Equal(t, transport.StateDisconnected, h.ctl.Status())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestLogFieldsNotRepeatedAcrossSwitch(t *testing.T) {
	out := &lockedBuffer{}
	logger := zerolog.New(out).Level(zerolog.DebugLevel)
	dialer := &transporttest.Dialer{}
	c := New(Options{
		ConversationID: "c1",
		Endpoint:       api.Endpoint{BaseURL: "http://chat.test"},
		Dialer:         dialer,
		Retry:          noRetry(),
		Logger:         &logger,
	})
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Switch(context.Background(), "c2"))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	dialer.Last().Deliver(encode(t, protocol.ChatMessageFrame(msg("x1", "c9", "elsewhere"))))

	require.Eventually(t, func() bool {
		for _, line := range out.lines() {
			if strings.Contains(line, "message for another conversation") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	for _, line := range out.lines() {
		assert.LessOrEqual(t, strings.Count(line, `"conversation":`), 1, line)
		assert.LessOrEqual(t, strings.Count(line, `"url":`), 1, line)
		if strings.Contains(line, "message for another conversation") {
			assert.Contains(t, line, `"conversation":"c2"`)
		}
	}
}
