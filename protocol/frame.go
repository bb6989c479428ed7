// Package protocol defines the JSON frames exchanged over a conversation
// socket and decodes inbound frames into a closed set of typed events.
package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind is the frame discriminant carried in the "type" field.
type Kind string

const (
	KindChatMessage Kind = "chat_message"
	KindPresence    Kind = "presence"
	KindScroll      Kind = "scroll_position"
	KindTitle       Kind = "title_updated"
	KindConnected   Kind = "connection_established"
	KindPing        Kind = "ping"

	KindSendMessage Kind = "send_message"
	KindPong        Kind = "pong"
)

// Action is the presence transition reported by a presence frame.
type Action string

const (
	ActionJoined Action = "joined"
	ActionLeft   Action = "left"
)

// Role marks who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Sender identifies the author of a message.
type Sender struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Message is a single chat entry in a conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame is the wire envelope for both directions. Only the fields relevant
// to Type are populated.
type Frame struct {
	Type           Kind            `json:"type"`
	Message        *Message        `json:"message,omitempty"`
	Action         Action          `json:"action,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
	Username       string          `json:"username,omitempty"`
	MessageIndex   *int            `json:"message_index,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Title          *string         `json:"title,omitempty"`
	Content        string          `json:"content,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
}

func stamp(t time.Time) json.RawMessage {
	b, _ := t.UTC().MarshalJSON()
	return b
}

func millis(ms int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(ms, 10))
}

// SendMessageFrame builds the outbound frame for user-authored text.
func SendMessageFrame(content, parentID string) Frame {
	return Frame{Type: KindSendMessage, Content: content, ParentID: parentID}
}

// ScrollFrame builds the outbound report of the local reading position.
func ScrollFrame(index int, messageID string) Frame {
	return Frame{Type: KindScroll, MessageIndex: &index, MessageID: messageID}
}

// PongFrame echoes a ping timestamp back to the server.
func PongFrame(ts int64) Frame {
	return Frame{Type: KindPong, Timestamp: millis(ts)}
}

// PingFrame is sent by servers to probe liveness.
func PingFrame(at time.Time) Frame {
	return Frame{Type: KindPing, Timestamp: millis(at.UnixMilli())}
}

// ChatMessageFrame wraps a delivered message.
func ChatMessageFrame(m Message) Frame {
	return Frame{Type: KindChatMessage, Message: &m}
}

// PresenceFrame announces a viewer joining or leaving.
func PresenceFrame(action Action, userID int64, username string, at time.Time) Frame {
	return Frame{Type: KindPresence, Action: action, UserID: userID, Username: username, Timestamp: stamp(at)}
}

// ScrollChangedFrame relays another viewer's reading position.
func ScrollChangedFrame(userID int64, username string, index int, messageID string, at time.Time) Frame {
	return Frame{Type: KindScroll, UserID: userID, Username: username, MessageIndex: &index, MessageID: messageID, Timestamp: stamp(at)}
}

// TitleFrame announces a new conversation title.
func TitleFrame(title string, at time.Time) Frame {
	return Frame{Type: KindTitle, Title: &title, Timestamp: stamp(at)}
}

// ConnectedFrame is the first frame a server sends on a new socket.
func ConnectedFrame(conversationID string, userID int64, at time.Time) Frame {
	return Frame{Type: KindConnected, ConversationID: conversationID, UserID: userID, Timestamp: stamp(at)}
}
