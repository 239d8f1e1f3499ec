package call

import "github.com/pion/webrtc/v4"

// EventKind names what happened to a session.
type EventKind string

const (
	EventStateChanged    EventKind = "state-changed"
	EventMediaDegraded   EventKind = "media-degraded"
	EventRemoteTrack     EventKind = "remote-track"
	EventDataChannelOpen EventKind = "data-channel-open"
	EventDataMessage     EventKind = "data-message"
	EventNotice          EventKind = "notice"
	// EventFailed is emitted at most once per session, after it closed.
	EventFailed EventKind = "failed"
)

// Event is reported to the manager's EventHandler in emission order.
type Event struct {
	Kind    EventKind
	CallID  string
	State   State
	Message string
	Track   *webrtc.TrackRemote
	Err     error
}

// EventHandler consumes session events.
type EventHandler func(Event)
