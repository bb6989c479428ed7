package devserver

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
)

// peer is one websocket, i.e. one browser tab or terminal.
type peer struct {
	ws       *websocket.Conn
	mu       sync.Mutex
	userID   int64
	username string
	timeout  time.Duration
}

// write sends v as a text frame without HTML escaping. Callers hold p.mu.
func (p *peer) write(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	_ = p.ws.SetWriteDeadline(time.Now().Add(p.timeout))
	return p.ws.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n"))
}

func (p *peer) send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(v)
}

// room is the server side of one conversation. Tabs of the same user
// collapse: joined goes out for the first tab and left after the last.
type room struct {
	id      string
	backlog int
	store   *Store
	log     zerolog.Logger

	mu       sync.RWMutex
	messages []protocol.Message
	title    string
	peers    map[*peer]struct{}
	tabs     map[int64]map[*peer]struct{}
	viewers  *presence.Tracker
}

func newRoom(id string, backlog int, store *Store, logger zerolog.Logger) *room {
	r := &room{
		id:      id,
		backlog: backlog,
		store:   store,
		log:     logger.With().Str("conversation", id).Logger(),
		peers:   make(map[*peer]struct{}),
		tabs:    make(map[int64]map[*peer]struct{}),
		viewers: presence.NewTracker(),
	}
	if msgs, err := store.Recent(id, backlog); err != nil {
		r.log.Warn().Err(err).Msg("[devserver] load history failed")
	} else {
		r.messages = msgs
	}
	if title, err := store.Title(id); err != nil {
		r.log.Warn().Err(err).Msg("[devserver] load title failed")
	} else {
		r.title = title
	}
	return r
}

// attach registers p and reports whether it is the user's first tab, along
// with the viewers present before p arrived.
func (r *room) attach(p *peer, at time.Time) (first bool, present []presence.Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	present = r.viewers.Viewers()
	r.peers[p] = struct{}{}
	set, ok := r.tabs[p.userID]
	if !ok {
		set = make(map[*peer]struct{})
		r.tabs[p.userID] = set
	}
	first = len(set) == 0
	set[p] = struct{}{}
	r.viewers.Apply(protocol.PresenceChanged{Action: protocol.ActionJoined, UserID: p.userID, Username: p.username, At: at})
	return first, present
}

// detach removes p and reports whether it was the user's last tab.
func (r *room) detach(p *peer, at time.Time) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p)
	set := r.tabs[p.userID]
	delete(set, p)
	if len(set) > 0 {
		return false
	}
	delete(r.tabs, p.userID)
	r.viewers.Apply(protocol.PresenceChanged{Action: protocol.ActionLeft, UserID: p.userID, Username: p.username, At: at})
	return true
}

func (r *room) scroll(ev protocol.ScrollChanged) {
	r.mu.Lock()
	r.viewers.Apply(ev)
	r.mu.Unlock()
}

// post records m in the backlog and the store and fans it out.
func (r *room) post(m protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	if r.backlog > 0 && len(r.messages) > r.backlog {
		r.messages = append(r.messages[:0:0], r.messages[len(r.messages)-r.backlog:]...)
	}
	r.mu.Unlock()
	if err := r.store.Append(m); err != nil {
		r.log.Debug().Err(err).Msg("[devserver] persist message")
	}
	r.broadcast(protocol.ChatMessageFrame(m), nil)
}

func (r *room) setTitle(title string, at time.Time) {
	r.mu.Lock()
	r.title = title
	r.mu.Unlock()
	if err := r.store.SetTitle(r.id, title); err != nil {
		r.log.Debug().Err(err).Msg("[devserver] persist title")
	}
	r.broadcast(protocol.TitleFrame(title, at), nil)
}

// broadcast writes v to every peer except skip.
func (r *room) broadcast(v any, skip *peer) {
	r.mu.RLock()
	peers := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		if p != skip {
			peers = append(peers, p)
		}
	}
	r.mu.RUnlock()
	for _, p := range peers {
		if err := p.send(v); err != nil {
			r.log.Debug().Err(err).Int64("user", p.userID).Msg("[devserver] write failed")
		}
	}
}

func (r *room) history() []protocol.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.Message{}, r.messages...)
}

func (r *room) currentTitle() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.title
}

func (r *room) allPeers() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}
