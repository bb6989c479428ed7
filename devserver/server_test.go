package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/coview/api"
	"github.com/gosuda/coview/conversation"
	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
	"github.com/gosuda/coview/transport"
)

func startServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.PingInterval == 0 {
		opts.PingInterval = -1
	}
	s := New(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dialRaw(t *testing.T, srv *httptest.Server, conv, token string) *websocket.Conn {
	t.Helper()
	u, err := api.Endpoint{BaseURL: srv.URL}.SocketURL(conv, token)
	require.NoError(t, err)
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(f))
}

func TestHealthz(t *testing.T) {
	_, srv := startServer(t, Options{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWS_RejectsBadToken(t *testing.T) {
	_, srv := startServer(t, Options{})
	u, err := api.Endpoint{BaseURL: srv.URL}.SocketURL("c1", "nobody")
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_TabsCollapse(t *testing.T) {
	_, srv := startServer(t, Options{})

	alice1 := dialRaw(t, srv, "c1", "1:alice")
	f := readFrame(t, alice1)
	assert.Equal(t, protocol.KindConnected, f.Type)
	assert.Equal(t, "c1", f.ConversationID)
	assert.Equal(t, int64(1), f.UserID)
	f = readFrame(t, alice1)
	assert.Equal(t, protocol.KindPresence, f.Type)
	assert.Equal(t, protocol.ActionJoined, f.Action)
	assert.Equal(t, int64(1), f.UserID)

	bob := dialRaw(t, srv, "c1", "2:bob")
	assert.Equal(t, protocol.KindConnected, readFrame(t, bob).Type)
	f = readFrame(t, bob)
	assert.Equal(t, int64(1), f.UserID, "existing viewer replayed")
	f = readFrame(t, bob)
	assert.Equal(t, int64(2), f.UserID)
	f = readFrame(t, alice1)
	assert.Equal(t, protocol.ActionJoined, f.Action)
	assert.Equal(t, "bob", f.Username)

	// a second tab for alice announces nothing to the others
	alice2 := dialRaw(t, srv, "c1", "1:alice")
	assert.Equal(t, protocol.KindConnected, readFrame(t, alice2).Type)
	readFrame(t, alice2)
	readFrame(t, alice2)
	require.NoError(t, alice2.Close())

	sendFrame(t, alice1, protocol.ScrollFrame(0, "m0"))
	f = readFrame(t, bob)
	assert.Equal(t, protocol.KindScroll, f.Type, "closing one tab must not emit left")
	assert.Equal(t, int64(1), f.UserID)
	assert.Equal(t, "m0", f.MessageID)

	require.NoError(t, alice1.Close())
	f = readFrame(t, bob)
	assert.Equal(t, protocol.KindPresence, f.Type)
	assert.Equal(t, protocol.ActionLeft, f.Action)
	assert.Equal(t, int64(1), f.UserID)
}

func TestWS_MessageRelay(t *testing.T) {
	_, srv := startServer(t, Options{})
	alice := dialRaw(t, srv, "c1", "1:alice")
	readFrame(t, alice)
	readFrame(t, alice)

	sendFrame(t, alice, protocol.SendMessageFrame("   ", ""))
	sendFrame(t, alice, protocol.SendMessageFrame("see <b>this</b> & that", "p1"))
	f := readFrame(t, alice)
	require.Equal(t, protocol.KindChatMessage, f.Type)
	require.NotNil(t, f.Message)
	assert.NotEmpty(t, f.Message.ID)
	assert.Equal(t, "c1", f.Message.ConversationID)
	assert.Equal(t, "see this & that", f.Message.Content)
	assert.Equal(t, "p1", f.Message.ParentID)
	assert.Equal(t, "alice", f.Message.Username)
	assert.Equal(t, protocol.RoleUser, f.Message.Role)

	msgs, err := api.NewClient(api.Endpoint{BaseURL: srv.URL}, "").Messages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, f.Message.ID, msgs[0].ID)
}

func TestWS_Ping(t *testing.T) {
	_, srv := startServer(t, Options{PingInterval: 20 * time.Millisecond})
	ws := dialRaw(t, srv, "c1", "1:alice")
	readFrame(t, ws)
	readFrame(t, ws)

	f := readFrame(t, ws)
	require.Equal(t, protocol.KindPing, f.Type)
	ev, err := protocol.Decode(mustJSON(t, f))
	require.NoError(t, err)
	ping := ev.(protocol.Ping)
	assert.Positive(t, ping.Timestamp)
	sendFrame(t, ws, protocol.PongFrame(ping.Timestamp))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRoom_HistoryFromStore(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(storedMsg("c1", i)))
	}
	require.NoError(t, store.SetTitle("c1", "Persisted"))

	_, srv := startServer(t, Options{Store: store, Backlog: 3})
	msgs, err := api.NewClient(api.Endpoint{BaseURL: srv.URL}, "").Messages(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1-1", "c1-2", "c1-3"}, ids(msgs))

	ws := dialRaw(t, srv, "c1", "1:alice")
	readFrame(t, ws)
	f := readFrame(t, ws)
	require.Equal(t, protocol.KindTitle, f.Type)
	require.NotNil(t, f.Title)
	assert.Equal(t, "Persisted", *f.Title)
}

func TestTitle_Validation(t *testing.T) {
	_, srv := startServer(t, Options{})
	resp, err := http.Post(srv.URL+"/api/conversations/c1/title", "application/json", strings.NewReader(`{"title":"<b></b>"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/conversations/c1/title", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func openViewer(t *testing.T, srv *httptest.Server, conv, token string) *conversation.Controller {
	t.Helper()
	ep := api.Endpoint{BaseURL: srv.URL}
	c := conversation.New(conversation.Options{
		ConversationID: conv,
		Endpoint:       ep,
		Token:          token,
		History:        api.NewClient(ep, token),
		Retry:          transport.Backoff{Interval: 50 * time.Millisecond, MaxAttempts: 3},
	})
	t.Cleanup(c.Close)
	require.NoError(t, c.Open(context.Background()))
	require.Eventually(t, func() bool { return c.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	return c
}

func usernames(vs []presence.Viewer) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Username)
	}
	return out
}

func TestEndToEnd_TwoViewers(t *testing.T) {
	_, srv := startServer(t, Options{})

	alice := openViewer(t, srv, "c1", "1:alice")
	bob := openViewer(t, srv, "c1", "2:bob")
	require.Eventually(t, func() bool { return alice.Self() == 1 && bob.Self() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(alice.Viewers()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bob.Viewers()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, alice.SendMessage("hello <i>bob</i>"))
	require.Eventually(t, func() bool { return len(alice.Messages()) == 1 && len(bob.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	m := bob.Messages()[0]
	assert.Equal(t, "hello bob", m.Content)
	assert.Equal(t, alice.Messages()[0].ID, m.ID)

	require.True(t, bob.ReportScroll(0, m.ID))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, usernames(alice.ViewersOf(m.ID)))
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/conversations/c1/title", "application/json", strings.NewReader(`{"title":"Greetings"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool { return alice.Title() == "Greetings" && bob.Title() == "Greetings" }, 2*time.Second, 5*time.Millisecond)

	// a late joiner gets history over REST and sees bob's position
	carol := openViewer(t, srv, "c1", "3:carol")
	require.Len(t, carol.Messages(), 1)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, usernames(carol.ViewersOf(m.ID)))
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return carol.Title() == "Greetings" }, 2*time.Second, 5*time.Millisecond)

	bob.Close()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "carol"}, usernames(alice.Viewers()))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.ViewersOf(m.ID))
}

func TestEndToEnd_Switch(t *testing.T) {
	s, srv := startServer(t, Options{})

	alice := openViewer(t, srv, "c1", "1:alice")
	require.True(t, alice.SendMessage("in c1"))
	require.Eventually(t, func() bool { return len(alice.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Switch(context.Background(), "c2"))
	require.Eventually(t, func() bool { return alice.Status() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.Messages())

	// the old room no longer counts alice
	require.Eventually(t, func() bool { return s.room("c1").viewers.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.room("c2").viewers.Len())
}
