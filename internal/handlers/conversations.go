package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
)

// CreateConversation creates a conversation. The creator is always a
// participant.
func CreateConversation(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req models.CreateConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		conv := &models.Conversation{
			ID:        uuid.New().String(),
			Name:      req.Name,
			CreatedAt: Clock().UTC(),
		}
		seen := map[string]bool{}
		for _, p := range req.Participants {
			if p.ID == "" || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			conv.Participants = append(conv.Participants, p)
		}
		if !seen[userID] {
			conv.Participants = append(conv.Participants, models.Participant{ID: userID})
		}

		if err := st.CreateConversation(c.Request.Context(), conv); err != nil {
			storeError(c, err, "Conversation")
			return
		}

		log.Info().Str("conversationId", conv.ID).Str("creator", userID).Int("participants", len(conv.Participants)).Msg("conversation created")
		c.JSON(http.StatusCreated, conv)
	}
}

// GetConversation returns a conversation to one of its participants.
func GetConversation(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		conv, err := st.GetConversation(c.Request.Context(), c.Param("id"))
		if err != nil {
			storeError(c, err, "Conversation")
			return
		}
		if !conv.HasParticipant(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a conversation participant"})
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}
