package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/call-signaling/internal/controller"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
)

const requestTimeout = 10 * time.Second

// APIError is a non-2xx answer from the signaling server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signaling server: %d %s", e.Status, e.Message)
}

// Unwrap maps statuses onto the store sentinels so callers can share
// error handling with the server side.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return store.ErrConflict
	}
	return nil
}

// Client talks to the signaling server's REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	userID string
}

// NewClient returns an unauthenticated client; call Login before use.
func NewClient(serverURL string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", base.Scheme)
	}
	return &Client{base: base, http: &http.Client{Timeout: requestTimeout}}, nil
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) Token() string { return c.token }

// Login obtains a token for username.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token, c.userID = resp.Token, resp.UserID
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreateConversation(ctx context.Context, name string, participants ...string) (*models.Conversation, error) {
	req := models.CreateConversationRequest{Name: name}
	for _, p := range participants {
		req.Participants = append(req.Participants, models.Participant{ID: p})
	}
	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateCall records a new call with the logged in user as caller.
func (c *Client) CreateCall(ctx context.Context, conversationID string, callType models.CallType) (*models.Call, error) {
	var call models.Call
	req := models.CreateCallRequest{ConversationID: conversationID, Type: callType}
	if err := c.do(ctx, http.MethodPost, "/api/calls", req, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallStatus moves a call record to status, setting the given timestamps.
func (c *Client) UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus, ts controller.Timestamps) (*models.Call, error) {
	var call models.Call
	req := models.UpdateCallRequest{Status: status, StartedAt: ts.StartedAt, EndedAt: ts.EndedAt}
	if err := c.do(ctx, http.MethodPatch, "/api/calls/"+url.PathEscape(callID), req, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) GetCall(ctx context.Context, callID string) (*models.Call, error) {
	var call models.Call
	if err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(callID), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// websocketURL is the relay endpoint for the logged in user.
func (c *Client) websocketURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()
	return u.String()
}
