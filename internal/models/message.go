package models

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// SignalPayload carries either a session description or an ICE candidate.
type SignalPayload struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Signal is a single negotiation message exchanged between two call
// participants through the relay. It is never persisted.
type Signal struct {
	Type           SignalType    `json:"type"`
	ConversationID string        `json:"conversationId"`
	CallID         string        `json:"callId"`
	SenderID       string        `json:"senderId"`
	TargetUserID   string        `json:"targetUserId,omitempty"`
	Payload        SignalPayload `json:"signal"`
	Timestamp      time.Time     `json:"timestamp"`
}

// EventType names what an Envelope carries.
type EventType string

const (
	EventSignal       EventType = "signal"
	EventCallStarted  EventType = "call-started"
	EventCallAnswered EventType = "call-answered"
	EventCallEnded    EventType = "call-ended"
)

// Envelope is the unit the relay fans out to subscribers.
type Envelope struct {
	Event    EventType `json:"event"`
	Channel  string    `json:"channel,omitempty"`
	SenderID string    `json:"senderId"`
	Signal   *Signal   `json:"signal,omitempty"`
	Call     *Call     `json:"call,omitempty"`
}

// PublishScope selects per-user or per-conversation delivery.
type PublishScope string

const (
	ScopeUser         PublishScope = "user"
	ScopeConversation PublishScope = "conversation"
)

// RelayFrame is what a websocket client sends to the relay.
type RelayFrame struct {
	Op       string       `json:"op"`
	Scope    PublishScope `json:"scope"`
	Target   string       `json:"target"`
	Envelope Envelope     `json:"envelope"`
}

// RelayError is pushed back to a websocket client when one of its frames
// was rejected.
type RelayError struct {
	Event string `json:"event"`
	Error string `json:"error"`
}
