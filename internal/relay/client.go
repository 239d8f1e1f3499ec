package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection of an authenticated user.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	hub     *Hub
	limiter *rate.Limiter
}

// Attach registers conn for userID and serves it until it closes.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, userID string) {
	c := &Client{
		ID:      uuid.New().String(),
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		hub:     h,
		limiter: h.newLimiter(),
	}
	h.register(c)

	go c.writePump()
	go c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("user", c.UserID).Msg("websocket error")
			}
			return
		}

		var frame models.RelayFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reject(ErrBadFrame)
			continue
		}
		if err := c.handle(ctx, frame); err != nil {
			log.Debug().Err(err).Str("user", c.UserID).Str("op", frame.Op).Msg("frame rejected")
			c.reject(err)
		}
	}
}

func (c *Client) handle(ctx context.Context, frame models.RelayFrame) error {
	switch frame.Op {
	case "publish":
		if !c.limiter.Allow() {
			return ErrRateLimited
		}
		return c.hub.Publish(ctx, c.UserID, frame.Scope, frame.Target, frame.Envelope)
	case "subscribe":
		return c.hub.subscribe(ctx, c, frame.Target)
	case "unsubscribe":
		c.hub.unsubscribe(c, frame.Target)
		return nil
	default:
		return ErrBadFrame
	}
}

func (c *Client) reject(err error) {
	msg := err.Error()
	if !errors.Is(err, ErrBadFrame) && !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrRateLimited) {
		msg = "relay unavailable"
	}
	data, _ := json.Marshal(models.RelayError{Event: "error", Error: msg})
	c.trySend(data)
}

// trySend queues data unless the client already went away.
func (c *Client) trySend(data []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.users[c.UserID][c]; !ok {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("conn", c.ID).Msg("relay client buffer full, error dropped")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn", c.ID).Msg("write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
