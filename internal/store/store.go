package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for a status change the call cannot make.
	ErrConflict = errors.New("invalid status transition")
)

// Store keeps conversations and call records.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateCall(ctx context.Context, call *models.Call) error
	GetCall(ctx context.Context, id string) (*models.Call, error)
	// UpdateCall applies mutate to the stored call atomically and returns
	// the result. An error from mutate aborts the update.
	UpdateCall(ctx context.Context, id string, mutate func(*models.Call) error) (*models.Call, error)
}

// Transition moves c to next. startedAt is stamped only when the call is
// answered and endedAt only when it reaches a terminal status; at overrides
// now when set. Answering records actorID as the callee.
func Transition(c *models.Call, next models.CallStatus, actorID string, at *time.Time, now time.Time) error {
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, c.Status, next)
	}
	ts := now.UTC()
	if at != nil && !at.IsZero() {
		ts = at.UTC()
	}

	c.Status = next
	switch {
	case next == models.CallStatusInProgress:
		c.StartedAt = &ts
		if actorID != "" && actorID != c.CallerID {
			c.CalleeID = actorID
		}
	case next.Terminal():
		c.EndedAt = &ts
	}
	return nil
}

func cloneCall(c *models.Call) *models.Call {
	out := *c
	out.Participants = append([]models.Participant(nil), c.Participants...)
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]models.Participant(nil), c.Participants...)
	return &out
}
