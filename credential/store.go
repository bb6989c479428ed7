// Package credential keeps the auth token used to open conversation
// sockets in a per-profile session file.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNoSession = errors.New("no saved session")

const sessionFile = "session.json"

// Session is what a successful login leaves behind.
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// Store reads and writes the session file in Dir.
type Store struct {
	Dir string
}

// DefaultStore returns the store for profile under ~/.config/coview.
func DefaultStore(profile string) (Store, error) {
	if profile == "" {
		profile = "default"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Store{}, fmt.Errorf("home dir: %w", err)
	}
	return Store{Dir: filepath.Join(home, ".config", "coview", profile)}, nil
}

func (s Store) path() string {
	return filepath.Join(s.Dir, sessionFile)
}

func (s Store) Load() (Session, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if sess.Token == "" {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

func (s Store) Save(sess Session) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), data, 0o600)
}

// Clear removes the session file. A missing file is not an error.
func (s Store) Clear() error {
	err := os.Remove(s.path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
