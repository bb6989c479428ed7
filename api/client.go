package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Client fetches the state a conversation view needs before live deltas
// start arriving.
type Client struct {
	Endpoint Endpoint
	Token    string
	HTTP     *http.Client
}

func NewClient(endpoint Endpoint, token string) *Client {
	return &Client{
		Endpoint: endpoint,
		Token:    token,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Messages returns the conversation history, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	u, err := c.Endpoint.MessagesURL(conversationID)
	if err != nil {
		return nil, err
	}
	var out []protocol.Message
	if err := c.get(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return out, nil
}

// Presence returns the viewers currently in the conversation.
func (c *Client) Presence(ctx context.Context, conversationID string) ([]presence.Viewer, error) {
	u, err := c.Endpoint.PresenceURL(conversationID)
	if err != nil {
		return nil, err
	}
	var out []presence.Viewer
	if err := c.get(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	return out, nil
}

// SetTitle renames the conversation; the server broadcasts the new title to
// every open socket.
func (c *Client) SetTitle(ctx context.Context, conversationID, title string) error {
	u, err := c.Endpoint.TitleURL(conversationID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		Title string `json:"title"`
	}{title})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, v)
}

// do sends req with the bearer token and decodes a 2xx body into v unless v
// is nil.
func (c *Client) do(req *http.Request, v any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
