package core

import (
	"context"

	"github.com/dkeye/callsession/internal/domain"
)

// Constraints selects what MediaDevices.Open should capture.
// Empty device ids mean the default device of the kind.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// MediaDevices opens local capture. Failures should be *domain.PermissionError.
type MediaDevices interface {
	Open(ctx context.Context, c Constraints) (CaptureHandle, error)
	// Devices lists known device ids of a kind.
	Devices(kind domain.MediaKind) []string
}

// CaptureHandle owns the tracks of one successful Open.
type CaptureHandle interface {
	Tracks() []Track
	// Stop stops every track. Safe to call more than once.
	Stop()
}

type Track interface {
	ID() string
	Kind() domain.MediaKind
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}
