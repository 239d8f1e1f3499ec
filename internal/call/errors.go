package call

import "errors"

var (
	// ErrMediaUnavailable means no usable audio or video device could be
	// captured. The wrapped *media.MediaError carries a user hint.
	ErrMediaUnavailable     = errors.New("media unavailable")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrSignalDeliveryFailed = errors.New("signal delivery failed")
	ErrConnectionLost       = errors.New("connection lost")

	// ErrProtocol marks non-fatal anomalies that are logged and dropped.
	ErrProtocol = errors.New("protocol warning")

	// ErrSessionClosed is returned when work completes for a session that
	// was already ended.
	ErrSessionClosed = errors.New("session closed")
)
