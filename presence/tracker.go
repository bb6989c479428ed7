// Package presence folds presence and scroll events into the set of viewers
// of one conversation and the index of which viewers sit at which message.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/gosuda/coview/protocol"
)

// Position is the message a viewer is currently reading.
type Position struct {
	Index     int    `json:"index"`
	MessageID string `json:"message_id"`
}

// Viewer is a user present in the conversation.
type Viewer struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
	Position *Position `json:"position,omitempty"`
}

// Tracker holds presence for a single conversation. Writes come from the
// transport event loop; reads may come from any goroutine.
type Tracker struct {
	mu        sync.RWMutex
	viewers   map[int64]*Viewer
	byMessage map[string]map[int64]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		viewers:   make(map[int64]*Viewer),
		byMessage: make(map[string]map[int64]struct{}),
	}
}

// Apply folds ev into the tracker and reports whether state changed.
// Events other than presence and scroll are ignored.
func (t *Tracker) Apply(ev protocol.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case protocol.PresenceChanged:
		switch e.Action {
		case protocol.ActionJoined:
			t.join(e.UserID, e.Username, e.At)
			return true
		case protocol.ActionLeft:
			return t.leave(e.UserID)
		}
	case protocol.ScrollChanged:
		return t.move(e)
	}
	return false
}

// join inserts or refreshes a viewer. A repeated join (another tab of the
// same user) keeps the existing position.
func (t *Tracker) join(userID int64, username string, at time.Time) {
	if v, ok := t.viewers[userID]; ok {
		v.Username = username
		v.JoinedAt = at
		v.LastSeen = at
		return
	}
	t.viewers[userID] = &Viewer{UserID: userID, Username: username, JoinedAt: at, LastSeen: at}
}

func (t *Tracker) leave(userID int64) bool {
	v, ok := t.viewers[userID]
	if !ok {
		return false
	}
	if v.Position != nil {
		t.unindex(v.Position.MessageID, userID)
	}
	delete(t.viewers, userID)
	return true
}

// move updates a known viewer's position. Scroll never creates a viewer.
func (t *Tracker) move(e protocol.ScrollChanged) bool {
	v, ok := t.viewers[e.UserID]
	if !ok {
		return false
	}
	if e.Username != "" {
		v.Username = e.Username
	}
	v.LastSeen = e.At
	if v.Position != nil {
		t.unindex(v.Position.MessageID, e.UserID)
	}
	v.Position = &Position{Index: e.MessageIndex, MessageID: e.MessageID}
	t.index(e.MessageID, e.UserID)
	return true
}

func (t *Tracker) index(messageID string, userID int64) {
	set, ok := t.byMessage[messageID]
	if !ok {
		set = make(map[int64]struct{})
		t.byMessage[messageID] = set
	}
	set[userID] = struct{}{}
}

func (t *Tracker) unindex(messageID string, userID int64) {
	set, ok := t.byMessage[messageID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.byMessage, messageID)
	}
}

// ViewersOf returns the viewers positioned at messageID ordered by join time.
func (t *Tracker) ViewersOf(messageID string) []Viewer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.byMessage[messageID]
	out := make([]Viewer, 0, len(set))
	for uid := range set {
		out = append(out, copyViewer(t.viewers[uid]))
	}
	sortByJoin(out)
	return out
}

// Viewers returns every present viewer ordered by join time.
func (t *Tracker) Viewers() []Viewer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Viewer, 0, len(t.viewers))
	for _, v := range t.viewers {
		out = append(out, copyViewer(v))
	}
	sortByJoin(out)
	return out
}

// Viewer looks up a single viewer by user id.
func (t *Tracker) Viewer(userID int64) (Viewer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.viewers[userID]
	if !ok {
		return Viewer{}, false
	}
	return copyViewer(v), true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.viewers)
}

// Seed replaces all state with a snapshot, e.g. one fetched over REST
// before the socket starts delivering deltas.
func (t *Tracker) Seed(snapshot []Viewer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.viewers = make(map[int64]*Viewer, len(snapshot))
	for _, v := range snapshot {
		v := copyViewer(&v)
		t.viewers[v.UserID] = &v
	}
	t.rebuild()
}

// Reset drops every viewer. Presence never carries across conversations
// or reconnects.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.viewers = make(map[int64]*Viewer)
	t.byMessage = make(map[string]map[int64]struct{})
}

// Rebuild recomputes the message index from viewer positions.
func (t *Tracker) Rebuild() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuild()
}

func (t *Tracker) rebuild() {
	t.byMessage = make(map[string]map[int64]struct{})
	for uid, v := range t.viewers {
		if v.Position != nil {
			t.index(v.Position.MessageID, uid)
		}
	}
}

func copyViewer(v *Viewer) Viewer {
	out := *v
	if v.Position != nil {
		p := *v.Position
		out.Position = &p
	}
	return out
}

func sortByJoin(vs []Viewer) {
	sort.Slice(vs, func(i, j int) bool {
		if !vs[i].JoinedAt.Equal(vs[j].JoinedAt) {
			return vs[i].JoinedAt.Before(vs[j].JoinedAt)
		}
		return vs[i].UserID < vs[j].UserID
	})
}
