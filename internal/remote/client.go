// Package remote binds the session protocol to a relay over the network:
// Client implements channel.Opener (websocket) and session.Persistence
// (HTTP) against the same relay instance.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harshasoftware/tarotforge/internal/channel"
	"github.com/harshasoftware/tarotforge/internal/reading"
	"github.com/harshasoftware/tarotforge/internal/relay"
	"github.com/harshasoftware/tarotforge/internal/session"
)

// Client talks to one relay. Join tokens minted at session creation are
// cached and reused automatically when the matching channel is opened.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client

	mu         sync.Mutex
	joinTokens map[string]string // channel name -> join token
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		http:       &http.Client{Timeout: 15 * time.Second},
		joinTokens: make(map[string]string),
	}
}

// Channel opens a websocket-backed channel handle. The handle is inert
// until Subscribe.
func (c *Client) Channel(name string) channel.Channel {
	return &wsChannel{client: c, name: name}
}

// SetJoinToken primes the token cache, for guests that received a share
// link carrying a token out of band.
func (c *Client) SetJoinToken(channelName, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinTokens[channelName] = token
}

func (c *Client) tokenFor(channelName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.joinTokens[channelName]; ok {
		return t
	}
	return c.authToken
}

// CreateSession persists a session draft via the relay API.
func (c *Client) CreateSession(ctx context.Context, draft session.Draft) (string, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: relay returned %d", resp.StatusCode)
	}

	var created relay.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.JoinToken != "" {
		c.SetJoinToken(created.ID, created.JoinToken)
	}
	return created.ID, nil
}

// LoadSession fetches a persisted session. A relay 404 maps to
// session.ErrNotFound so callers can tell "gone" from "unreachable".
func (c *Client) LoadSession(ctx context.Context, id string) (*session.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build load request: %w", err)
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("load session %s: %w", id, session.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load session: relay returned %d", resp.StatusCode)
	}

	var rec session.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

// SaveState writes the host's state through the relay API.
func (c *Client) SaveState(ctx context.Context, id string, rev uint64, state reading.State) error {
	body, err := json.Marshal(relay.SaveStateRequest{Rev: rev, State: state})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/sessions/"+id+"/state", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("save state %s: %w", id, session.ErrNotFound)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("save state: relay returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// wsURL converts the base HTTP URL into the websocket endpoint for a
// channel, attaching whatever token applies.
func (c *Client) wsURL(channelName string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("channel", channelName)
	if token := c.tokenFor(channelName); token != "" {
		q.Set("token", token)
	}
	return base + "/ws?" + q.Encode()
}
