package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ErrRelayClosed is returned once the connection is gone.
var ErrRelayClosed = errors.New("relay connection closed")

// RelayClient is one websocket connection to the signaling relay.
// Publishing is fire-and-forget: rejections arrive later as error frames
// and are only logged.
type RelayClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialRelay connects as the user c logged in as.
func DialRelay(ctx context.Context, c *Client) (*RelayClient, error) {
	if c.token == "" {
		return nil, errors.New("dial relay: not logged in")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &RelayClient{conn: conn}, nil
}

func (r *RelayClient) write(frame models.RelayFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteJSON(frame)
}

func (r *RelayClient) PublishToUser(_ context.Context, userID string, env models.Envelope) error {
	return r.write(models.RelayFrame{Op: "publish", Scope: models.ScopeUser, Target: userID, Envelope: env})
}

func (r *RelayClient) PublishToConversation(_ context.Context, conversationID string, env models.Envelope) error {
	return r.write(models.RelayFrame{Op: "publish", Scope: models.ScopeConversation, Target: conversationID, Envelope: env})
}

// Subscribe joins the broadcast channel of a conversation.
func (r *RelayClient) Subscribe(conversationID string) error {
	return r.write(models.RelayFrame{Op: "subscribe", Target: conversationID})
}

func (r *RelayClient) Unsubscribe(conversationID string) error {
	return r.write(models.RelayFrame{Op: "unsubscribe", Target: conversationID})
}

// inbound is either an Envelope or a RelayError.
type inbound struct {
	models.Envelope
	Error string `json:"error"`
}

// Run reads envelopes and hands them to handle until the connection drops
// or ctx is done.
func (r *RelayClient) Run(ctx context.Context, handle func(models.Envelope)) error {
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go r.keepalive(ctx, done)

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrRelayClosed, err)
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("undecodable relay frame")
			continue
		}
		if msg.Event == "error" {
			log.Warn().Str("error", msg.Error).Msg("relay rejected frame")
			continue
		}
		handle(msg.Envelope)
	}
}

func (r *RelayClient) keepalive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			r.mu.Lock()
			err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			r.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close is idempotent.
func (r *RelayClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return r.conn.Close()
}
