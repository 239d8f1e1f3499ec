package models

import "time"

// CallType is the media a call carries.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle of a call record.
type CallStatus string

const (
	CallStatusCalling    CallStatus = "calling"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusMissed     CallStatus = "missed"
)

// Terminal reports whether no further transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusMissed
}

// CanTransition reports whether a call may move from s to next.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case CallStatusCalling:
		return next == CallStatusInProgress || next == CallStatusCompleted || next == CallStatusMissed
	case CallStatusInProgress:
		return next == CallStatusCompleted
	}
	return false
}

// Participant is the public summary of a conversation member.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Call is the persistent record of a call attempt.
type Call struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	CallerID       string        `json:"callerId"`
	CalleeID       string        `json:"calleeId,omitempty"`
	Type           CallType      `json:"type"`
	Status         CallStatus    `json:"status"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Participants   []Participant `json:"participants"`
}

// OtherParticipant returns the single participant that is not userID. It
// returns false when the call has zero or several other participants.
func (c *Call) OtherParticipant(userID string) (string, bool) {
	other := ""
	for _, p := range c.Participants {
		if p.ID == userID {
			continue
		}
		if other != "" {
			return "", false
		}
		other = p.ID
	}
	return other, other != ""
}

// HasParticipant reports whether userID belongs to the call's conversation.
func (c *Call) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Conversation is the minimal membership record calls are placed in.
type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// CreateConversationRequest is the request body for creating a conversation
type CreateConversationRequest struct {
	Name         string        `json:"name"`
	Participants []Participant `json:"participants" binding:"required,min=1"`
}

// CreateCallRequest is the request body for creating a call record
type CreateCallRequest struct {
	ConversationID string   `json:"conversationId" binding:"required"`
	Type           CallType `json:"type" binding:"required"`
}

// UpdateCallRequest is the request body for a status transition
type UpdateCallRequest struct {
	Status    CallStatus `json:"status" binding:"required"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// SignalRequest is the body of the HTTP signal fallback.
type SignalRequest struct {
	Signal Signal `json:"signal" binding:"required"`
}
