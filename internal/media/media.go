package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

var ErrNoMediaDevice = errors.New("no media device available")

// Device failure reasons. Backends wrap one of these so the acquirer can
// hand the user a hint.
var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrDeviceInUse              = errors.New("device in use")
	ErrConstraintsUnsatisfiable = errors.New("constraints unsatisfiable")
)

// MediaError is returned when not even audio could be captured.
type MediaError struct {
	Reason   error
	Attempts int
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("%v: %v (after %d attempts)", ErrNoMediaDevice, e.Reason, e.Attempts)
}

func (e *MediaError) Unwrap() []error {
	return []error{ErrNoMediaDevice, e.Reason}
}

// Hint is a short user-facing explanation of the failure.
func (e *MediaError) Hint() string {
	switch {
	case errors.Is(e.Reason, ErrPermissionDenied):
		return "Camera or microphone access was denied"
	case errors.Is(e.Reason, ErrDeviceInUse):
		return "Camera or microphone is in use by another application"
	case errors.Is(e.Reason, ErrConstraintsUnsatisfiable):
		return "No device supports the requested media settings"
	default:
		return "No camera or microphone was found"
	}
}

// Track is a local capture track that can be attached to a peer connection.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Range is a numeric constraint. Zero means unconstrained.
type Range struct {
	Min   int
	Ideal int
}

// AudioConstraints are processing hints for the microphone.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

// VideoConstraints bound camera resolution and frame rate.
type VideoConstraints struct {
	Width      Range
	Height     Range
	FrameRate  Range
	FacingMode string
}

// Constraints requests audio and/or video. A nil field is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Devices captures local media.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
}

// Stream is the result of a successful acquisition.
type Stream struct {
	Tracks []Track
	// Degraded is set when a video call ended up audio-only.
	Degraded bool
	Attempt  string
}

func (s *Stream) HasVideo() bool {
	for _, t := range s.Tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Stop closes every track. Safe on a nil stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("track", t.ID()).Msg("close local track")
		}
	}
	s.Tracks = nil
}

type attempt struct {
	label       string
	constraints Constraints
}

func ladder(callType models.CallType) []attempt {
	ideal := &AudioConstraints{EchoCancellation: true, NoiseSuppression: true}
	if callType != models.CallTypeVideo {
		return []attempt{
			{"ideal", Constraints{Audio: ideal}},
			{"any", Constraints{Audio: &AudioConstraints{}}},
		}
	}
	return []attempt{
		{"ideal", Constraints{
			Audio: ideal,
			Video: &VideoConstraints{
				Width:      Range{Min: 640, Ideal: 1280},
				Height:     Range{Min: 480, Ideal: 720},
				FrameRate:  Range{Min: 15, Ideal: 30},
				FacingMode: "user",
			},
		}},
		{"relaxed", Constraints{
			Audio: &AudioConstraints{},
			Video: &VideoConstraints{
				Width:     Range{Min: 640},
				Height:    Range{Min: 480},
				FrameRate: Range{Min: 15},
			},
		}},
		{"any", Constraints{Audio: &AudioConstraints{}, Video: &VideoConstraints{}}},
		{"audio-only", Constraints{Audio: &AudioConstraints{}}},
	}
}

// Acquirer obtains local media, relaxing constraints step by step.
type Acquirer struct {
	devices Devices
}

// NewAcquirer acquires media from d.
func NewAcquirer(d Devices) *Acquirer {
	return &Acquirer{devices: d}
}

// Acquire tries ideal, relaxed and any-device constraints, then audio-only
// for video calls. It fails with a *MediaError only when audio could not be
// captured either.
func (a *Acquirer) Acquire(ctx context.Context, callType models.CallType) (*Stream, error) {
	steps := ladder(callType)
	var lastErr error
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tracks, err := a.devices.GetUserMedia(ctx, step.constraints)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("attempt", step.label).Str("callType", string(callType)).Msg("getUserMedia failed")
			lastErr = err
			continue
		}
		if len(tracks) == 0 {
			lastErr = ErrDeviceNotFound
			continue
		}

		s := &Stream{Tracks: tracks, Attempt: step.label}
		if callType == models.CallTypeVideo && !s.HasVideo() {
			s.Degraded = true
		}
		log.Info().
			Str("attempt", step.label).
			Int("step", i+1).
			Int("tracks", len(tracks)).
			Bool("degraded", s.Degraded).
			Msg("local media acquired")
		return s, nil
	}

	return nil, &MediaError{Reason: reason(lastErr), Attempts: len(steps)}
}

func reason(err error) error {
	for _, r := range []error{ErrPermissionDenied, ErrDeviceInUse, ErrConstraintsUnsatisfiable, ErrDeviceNotFound} {
		if errors.Is(err, r) {
			return r
		}
	}
	return ErrDeviceNotFound
}
