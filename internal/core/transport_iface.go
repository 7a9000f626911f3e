package core

import (
	"context"
	"errors"

	"github.com/dkeye/callsession/internal/domain"
)

// ErrShareCancelled is returned by ContentShare when the user dismisses the
// platform's source picker.
var ErrShareCancelled = errors.New("content share cancelled by user")

// Transport is the external media platform as seen by one session.
// Join failures should be *domain.ConnectionError so callers can branch on kind.
type Transport interface {
	Join(ctx context.Context, channel domain.ChannelID, user domain.UserID) (*domain.Credentials, error)
	// Leave is best-effort; the caller logs and drops the error.
	Leave(ctx context.Context) error
	// Inbound delivers roster, tile, media and error events in arrival order.
	// The channel lives as long as the transport, across joins.
	Inbound() <-chan Inbound

	MediaControls
	TileRenderer
	ContentShare
	Recorder
	StatsSource
}

// MediaControls toggles and routes local media inside a joined session.
type MediaControls interface {
	// Publish hands captured tracks to the platform after join.
	Publish(ctx context.Context, tracks []Track) error
	SetLocalAudio(ctx context.Context, enabled bool) error
	SetLocalVideo(ctx context.Context, enabled bool) error
	ChooseDevice(ctx context.Context, kind domain.MediaKind, deviceID string) error
}

type ContentShare interface {
	StartContentShare(ctx context.Context) error
	StopContentShare(ctx context.Context) error
}

type Recorder interface {
	StartRecording(ctx context.Context, opts domain.RecordingOptions) error
	StopRecording(ctx context.Context) error
}

type StatsSource interface {
	Stats(ctx context.Context) (domain.NetworkStats, error)
}
