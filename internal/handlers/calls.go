package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
)

// Clock is replaced in tests.
var Clock = time.Now

func currentUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	}
	return userID, ok
}

func storeError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("resource", what).Msg("store failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Storage unavailable"})
	}
}

// CreateCall records a new ringing call in a conversation the caller
// belongs to.
func CreateCall(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req models.CreateCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !req.Type.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type must be audio or video"})
			return
		}

		conv, err := st.GetConversation(c.Request.Context(), req.ConversationID)
		if err != nil {
			storeError(c, err, "Conversation")
			return
		}
		if !conv.HasParticipant(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a conversation participant"})
			return
		}

		call := &models.Call{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			CallerID:       userID,
			Type:           req.Type,
			Status:         models.CallStatusCalling,
			CreatedAt:      Clock().UTC(),
			Participants:   conv.Participants,
		}
		if other, ok := call.OtherParticipant(userID); ok {
			call.CalleeID = other
		}

		if err := st.CreateCall(c.Request.Context(), call); err != nil {
			storeError(c, err, "Call")
			return
		}

		log.Info().Str("callId", call.ID).Str("conversationId", conv.ID).Str("caller", userID).Str("type", string(call.Type)).Msg("call created")
		c.JSON(http.StatusCreated, call)
	}
}

// GetCall returns a call to one of its participants.
func GetCall(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		call, err := st.GetCall(c.Request.Context(), c.Param("id"))
		if err != nil {
			storeError(c, err, "Call")
			return
		}
		if !call.HasParticipant(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a call participant"})
			return
		}
		c.JSON(http.StatusOK, call)
	}
}

func knownStatus(s models.CallStatus) bool {
	switch s {
	case models.CallStatusCalling, models.CallStatusInProgress, models.CallStatusCompleted, models.CallStatusMissed:
		return true
	}
	return false
}

// UpdateCall applies a status transition. Illegal transitions, including
// any change to a finished call, are rejected with 409.
func UpdateCall(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req models.UpdateCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !knownStatus(req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}

		id := c.Param("id")
		at := req.StartedAt
		if req.Status.Terminal() {
			at = req.EndedAt
		}

		updated, err := st.UpdateCall(c.Request.Context(), id, func(call *models.Call) error {
			if !call.HasParticipant(userID) {
				return errNotParticipant
			}
			return store.Transition(call, req.Status, userID, at, Clock())
		})
		if errors.Is(err, errNotParticipant) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a call participant"})
			return
		}
		if err != nil {
			storeError(c, err, "Call")
			return
		}

		log.Info().Str("callId", id).Str("status", string(updated.Status)).Str("user", userID).Msg("call updated")
		c.JSON(http.StatusOK, updated)
	}
}

var errNotParticipant = errors.New("not a call participant")
