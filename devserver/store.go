package devserver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/coview/protocol"
)

// Store persists conversation history in PebbleDB.
//
// Message keys are "m/" + conversation id + 0x00 + an 8-byte big-endian
// sequence, so one conversation's history is a contiguous, ordered range.
// Titles live under "t/" + conversation id.
//
// A nil *Store is valid and keeps nothing.
type Store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next map[string]uint64
}

func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, next: make(map[string]uint64)}, nil
}

func messagePrefix(conversationID string) []byte {
	p := make([]byte, 0, len(conversationID)+3)
	p = append(p, "m/"...)
	p = append(p, conversationID...)
	return append(p, 0)
}

func titleKey(conversationID string) []byte {
	return append([]byte("t/"), conversationID...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (s *Store) iter(conversationID string) (*pebble.Iterator, error) {
	prefix := messagePrefix(conversationID)
	return s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
}

// sequence returns the next free sequence for a conversation, discovering
// it from the last stored key on first use. Callers hold s.mu.
func (s *Store) sequence(conversationID string) (uint64, error) {
	if n, ok := s.next[conversationID]; ok {
		return n, nil
	}
	it, err := s.iter(conversationID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	var n uint64
	if it.Last() {
		if k := it.Key(); len(k) >= 8 {
			n = binary.BigEndian.Uint64(k[len(k)-8:]) + 1
		}
	}
	s.next[conversationID] = n
	return n, nil
}

func (s *Store) Append(m protocol.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.sequence(m.ConversationID)
	if err != nil {
		return err
	}
	key := binary.BigEndian.AppendUint64(messagePrefix(m.ConversationID), seq)
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return err
	}
	s.next[m.ConversationID] = seq + 1
	return nil
}

// Recent returns up to limit of the newest messages in order. A limit of
// zero or less returns the whole history.
func (s *Store) Recent(conversationID string, limit int) ([]protocol.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.iter(conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []protocol.Message
	for ok := it.Last(); ok; ok = it.Prev() {
		if limit > 0 && len(out) == limit {
			break
		}
		var m protocol.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SetTitle(conversationID, title string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Set(titleKey(conversationID), []byte(title), pebble.Sync)
}

// Title returns the stored title, or "" when none was set.
func (s *Store) Title(conversationID string) (string, error) {
	if s == nil || s.db == nil {
		return "", nil
	}
	data, closer, err := s.db.Get(titleKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer func() { _ = closer.Close() }()
	return string(data), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
