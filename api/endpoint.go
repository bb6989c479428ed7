// Package api talks to the REST side of the chat backend: initial history
// and presence snapshots, and the socket address for a conversation.
package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint derives every URL the client needs from the backend base URL.
type Endpoint struct {
	BaseURL string
}

// SocketURL returns the websocket address for a conversation. The scheme
// mirrors the base URL: http gives ws and https gives wss.
func (e Endpoint) SocketURL(conversationID, token string) (string, error) {
	u, err := e.base()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("ws", "conversations", conversationID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (e Endpoint) MessagesURL(conversationID string) (string, error) {
	return e.rest(conversationID, "messages")
}

func (e Endpoint) PresenceURL(conversationID string) (string, error) {
	return e.rest(conversationID, "presence")
}

func (e Endpoint) TitleURL(conversationID string) (string, error) {
	return e.rest(conversationID, "title")
}

func (e Endpoint) rest(conversationID, leaf string) (string, error) {
	u, err := e.base()
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	return u.JoinPath("api", "conversations", conversationID, leaf).String(), nil
}

func (e Endpoint) base() (*url.URL, error) {
	raw := strings.TrimSpace(e.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("empty base url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
