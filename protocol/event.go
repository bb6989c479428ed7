package protocol

import "time"

// Event is an inbound conversation event. The set of implementations is
// closed; consumers switch on the concrete type or use a Router.
type Event interface {
	Kind() Kind
	Time() time.Time
	event()
}

// MessageDelivered carries a chat message pushed by the server.
type MessageDelivered struct {
	Message Message
	At      time.Time
}

// PresenceChanged reports a viewer joining or leaving the conversation.
type PresenceChanged struct {
	Action   Action
	UserID   int64
	Username string
	At       time.Time
}

// ScrollChanged reports the message another viewer is positioned at.
type ScrollChanged struct {
	UserID       int64
	Username     string
	MessageIndex int
	MessageID    string
	At           time.Time
}

// TitleChanged reports a new conversation title.
type TitleChanged struct {
	Title string
	At    time.Time
}

// Connected is the server's acknowledgement of a new socket.
type Connected struct {
	ConversationID string
	UserID         int64
	At             time.Time
}

// Ping is a heartbeat probe. It is answered by the transport and never
// reaches subscribers.
type Ping struct {
	Timestamp int64
	At        time.Time
}

func (MessageDelivered) Kind() Kind { return KindChatMessage }
func (PresenceChanged) Kind() Kind  { return KindPresence }
func (ScrollChanged) Kind() Kind    { return KindScroll }
func (TitleChanged) Kind() Kind     { return KindTitle }
func (Connected) Kind() Kind        { return KindConnected }
func (Ping) Kind() Kind             { return KindPing }

func (e MessageDelivered) Time() time.Time { return e.At }
func (e PresenceChanged) Time() time.Time  { return e.At }
func (e ScrollChanged) Time() time.Time    { return e.At }
func (e TitleChanged) Time() time.Time     { return e.At }
func (e Connected) Time() time.Time        { return e.At }
func (e Ping) Time() time.Time             { return e.At }

func (MessageDelivered) event() {}
func (PresenceChanged) event()  {}
func (ScrollChanged) event()    {}
func (TitleChanged) event()     {}
func (Connected) event()        {}
func (Ping) event()             {}

// Router dispatches each event to exactly one handler by category.
// Nil handlers drop their category.
type Router struct {
	OnMessage   func(MessageDelivered)
	OnPresence  func(PresenceChanged)
	OnScroll    func(ScrollChanged)
	OnTitle     func(TitleChanged)
	OnConnected func(Connected)
}

// Route reports whether a handler consumed ev.
func (r Router) Route(ev Event) bool {
	switch e := ev.(type) {
	case MessageDelivered:
		if r.OnMessage != nil {
			r.OnMessage(e)
			return true
		}
	case PresenceChanged:
		if r.OnPresence != nil {
			r.OnPresence(e)
			return true
		}
	case ScrollChanged:
		if r.OnScroll != nil {
			r.OnScroll(e)
			return true
		}
	case TitleChanged:
		if r.OnTitle != nil {
			r.OnTitle(e)
			return true
		}
	case Connected:
		if r.OnConnected != nil {
			r.OnConnected(e)
			return true
		}
	}
	return false
}
