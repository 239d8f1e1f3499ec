//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SystemDevices captures from V4L2 cameras and malgo microphones, encoding
// VP8 and Opus.
type SystemDevices struct {
	selector *mediadevices.CodecSelector
}

// NewSystemDevices registers VP8 and Opus encoders for local capture.
func NewSystemDevices() (*SystemDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &SystemDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs adds the capture codecs to m.
func (d *SystemDevices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *SystemDevices) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Audio != nil {
		// Echo cancellation and noise suppression have no malgo equivalent.
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if v := c.Video; v != nil {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if v.Width.Min > 0 || v.Width.Ideal > 0 {
				mc.Width = prop.IntRanged{Min: v.Width.Min, Ideal: v.Width.Ideal}
			}
			if v.Height.Min > 0 || v.Height.Ideal > 0 {
				mc.Height = prop.IntRanged{Min: v.Height.Min, Ideal: v.Height.Ideal}
			}
			if v.FrameRate.Min > 0 || v.FrameRate.Ideal > 0 {
				mc.FrameRate = prop.FloatRanged{Min: float32(v.FrameRate.Min), Ideal: float32(v.FrameRate.Ideal)}
			}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		done <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		// Whatever gets captured after the caller gave up is released.
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err, c)
		}
		var tracks []Track
		for _, t := range r.stream.GetTracks() {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
				}
			})
			tracks = append(tracks, t)
		}
		return tracks, nil
	}
}

func classify(err error, c Constraints) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceInUse, err)
	}

	wantVideo := c.Video != nil
	haveVideo, haveAudio := false, false
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			haveVideo = true
		case mediadevices.AudioInput:
			haveAudio = true
		}
	}
	if (wantVideo && !haveVideo) || (c.Audio != nil && !haveAudio) {
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrConstraintsUnsatisfiable, err)
}
