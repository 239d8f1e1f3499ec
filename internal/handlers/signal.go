package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/relay"
	"github.com/mossy-p/call-signaling/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

func relayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrBadFrame):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("relay publish")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Relay unavailable"})
	}
}

// SendSignal is the HTTP fallback for clients without a websocket. The
// signal goes to its explicit target, or else to the other participant of
// its call.
func SendSignal(st store.Store, hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req models.SignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sig := req.Signal
		if sig.CallID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "callId is required"})
			return
		}

		call, err := st.GetCall(c.Request.Context(), sig.CallID)
		if err != nil {
			storeError(c, err, "Call")
			return
		}
		if sig.ConversationID == "" {
			sig.ConversationID = call.ConversationID
		}
		if sig.ConversationID != call.ConversationID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId does not match call"})
			return
		}
		if sig.TargetUserID == "" {
			other, ok := call.OtherParticipant(userID)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "targetUserId is required"})
				return
			}
			sig.TargetUserID = other
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = Clock().UTC()
		}

		env := models.Envelope{Event: models.EventSignal, Signal: &sig}
		if err := hub.Publish(c.Request.Context(), userID, models.ScopeUser, sig.TargetUserID, env); err != nil {
			relayError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"delivered": sig.TargetUserID})
	}
}

// WebSocket upgrades an authenticated request into a relay connection.
// ctx bounds the connection's lifetime beyond the HTTP request.
func WebSocket(ctx context.Context, hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("websocket upgrade failed")
			return
		}
		hub.Attach(ctx, conn, userID)
	}
}
