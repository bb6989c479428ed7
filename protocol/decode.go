package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned for frames that cannot be turned into an event.
var ErrMalformed = errors.New("malformed frame")

// Decoder turns raw frames into events. Now stamps events whose frame
// carries no timestamp; it defaults to time.Now.
type Decoder struct {
	Now func() time.Time
}

var defaultDecoder Decoder

// Decode classifies a frame with the default decoder.
func Decode(frame []byte) (Event, error) {
	return defaultDecoder.Decode(frame)
}

// Decode returns the typed event for frame. Unknown discriminants yield a
// nil event and nil error so newer servers can add frame types.
func (d Decoder) Decode(frame []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Type {
	case KindPing:
		var ts int64
		if err := json.Unmarshal(f.Timestamp, &ts); err != nil {
			return nil, fmt.Errorf("%w: ping timestamp: %v", ErrMalformed, err)
		}
		return Ping{Timestamp: ts, At: d.now()}, nil

	case KindChatMessage:
		if f.Message == nil || f.Message.ID == "" {
			return nil, fmt.Errorf("%w: chat message without id", ErrMalformed)
		}
		m := *f.Message
		if m.Timestamp.IsZero() {
			m.Timestamp = d.now()
		}
		return MessageDelivered{Message: m, At: m.Timestamp}, nil

	case KindPresence:
		if f.Action != ActionJoined && f.Action != ActionLeft {
			return nil, fmt.Errorf("%w: presence action %q", ErrMalformed, f.Action)
		}
		if f.UserID == 0 {
			return nil, fmt.Errorf("%w: presence without user id", ErrMalformed)
		}
		at, err := d.timestamp(f.Timestamp)
		if err != nil {
			return nil, err
		}
		return PresenceChanged{Action: f.Action, UserID: f.UserID, Username: f.Username, At: at}, nil

	case KindScroll:
		if f.UserID == 0 || f.MessageID == "" {
			return nil, fmt.Errorf("%w: scroll without user or message id", ErrMalformed)
		}
		at, err := d.timestamp(f.Timestamp)
		if err != nil {
			return nil, err
		}
		idx := -1
		if f.MessageIndex != nil {
			idx = *f.MessageIndex
		}
		return ScrollChanged{UserID: f.UserID, Username: f.Username, MessageIndex: idx, MessageID: f.MessageID, At: at}, nil

	case KindTitle:
		if f.Title == nil {
			return nil, fmt.Errorf("%w: title update without title", ErrMalformed)
		}
		at, err := d.timestamp(f.Timestamp)
		if err != nil {
			return nil, err
		}
		return TitleChanged{Title: *f.Title, At: at}, nil

	case KindConnected:
		at, err := d.timestamp(f.Timestamp)
		if err != nil {
			return nil, err
		}
		return Connected{ConversationID: f.ConversationID, UserID: f.UserID, At: at}, nil
	}
	return nil, nil
}

func (d Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Decoder) timestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return d.now(), nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	return t, nil
}
