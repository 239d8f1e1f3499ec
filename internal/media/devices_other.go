//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// SystemDevices has no capture drivers on this platform.
type SystemDevices struct{}

// NewSystemDevices returns a backend without capture devices.
func NewSystemDevices() (*SystemDevices, error) {
	return &SystemDevices{}, nil
}

func (d *SystemDevices) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *SystemDevices) GetUserMedia(_ context.Context, _ Constraints) ([]Track, error) {
	return nil, ErrDeviceNotFound
}
