// Package events is the typed publish/subscribe surface between the call
// session and the rendering layer.
package events

import "github.com/dkeye/callsession/internal/domain"

type Kind string

const (
	KindStream           Kind = "stream"
	KindUserJoined       Kind = "user_joined"
	KindUserLeft         Kind = "user_left"
	KindVoiceRoster      Kind = "voice_roster"
	KindMediaState       Kind = "media_state"
	KindScreenSharing    Kind = "screen_sharing"
	KindVideoTileUpdated Kind = "video_tile_updated"
	KindVideoTileRemoved Kind = "video_tile_removed"
	KindRecording        Kind = "recording"
	KindError            Kind = "error"
	KindConnectionState  Kind = "connection_state"
	KindQuality          Kind = "quality"
)

// Event is one downstream notification. The set of variants is closed.
type Event interface {
	Kind() Kind
}

// Stream announces the local capture once a fallback tier succeeded.
type Stream struct {
	Capability domain.DeviceCapability `json:"capability"`
	TrackIDs   []string                `json:"trackIds"`
}

type UserJoined struct {
	Participant domain.Participant `json:"participant"`
}

type UserLeft struct {
	Participant domain.Participant `json:"participant"`
}

// VoiceRoster is the full remote participant view after a roster change.
type VoiceRoster struct {
	Participants []domain.Participant `json:"participants"`
}

type MediaState struct {
	AttendeeID domain.AttendeeID `json:"attendeeId"`
	IsLocal    bool              `json:"isLocal"`
	State      domain.MediaState `json:"state"`
}

type ScreenSharing struct {
	AttendeeID domain.AttendeeID `json:"attendeeId"`
	IsLocal    bool              `json:"isLocal"`
	Sharing    bool              `json:"sharing"`
	TileID     *domain.TileID    `json:"tileId,omitempty"`
}

type VideoTileUpdated struct {
	Tile domain.VideoTile `json:"tile"`
}

type VideoTileRemoved struct {
	TileID     domain.TileID     `json:"tileId"`
	AttendeeID domain.AttendeeID `json:"attendeeId,omitempty"`
}

type Recording struct {
	Active bool `json:"active"`
}

// Error carries a classified failure with the action the consumer may offer.
type Error struct {
	Category string                `json:"category"`
	Code     string                `json:"code"`
	Message  string                `json:"message"`
	Recovery domain.RecoveryAction `json:"recovery"`
}

type ConnectionState struct {
	State   domain.ConnectionState `json:"state"`
	Channel domain.ChannelID       `json:"channel,omitempty"`
}

type Quality struct {
	Quality domain.Quality      `json:"quality"`
	Stats   domain.NetworkStats `json:"stats"`
}

func (Stream) Kind() Kind           { return KindStream }
func (UserJoined) Kind() Kind       { return KindUserJoined }
func (UserLeft) Kind() Kind         { return KindUserLeft }
func (VoiceRoster) Kind() Kind      { return KindVoiceRoster }
func (MediaState) Kind() Kind       { return KindMediaState }
func (ScreenSharing) Kind() Kind    { return KindScreenSharing }
func (VideoTileUpdated) Kind() Kind { return KindVideoTileUpdated }
func (VideoTileRemoved) Kind() Kind { return KindVideoTileRemoved }
func (Recording) Kind() Kind        { return KindRecording }
func (Error) Kind() Kind            { return KindError }
func (ConnectionState) Kind() Kind  { return KindConnectionState }
func (Quality) Kind() Kind          { return KindQuality }

// PermissionFailure builds the error event for a capture failure.
func PermissionFailure(err *domain.PermissionError) Error {
	rec := domain.RecoveryNone
	if err.Kind.Retryable() {
		rec = domain.RecoveryRetryDevices
	}
	return Error{
		Category: "permission",
		Code:     string(err.Kind),
		Message:  err.Kind.Guidance(),
		Recovery: rec,
	}
}

// ConnectionFailure builds the error event for a connection failure.
func ConnectionFailure(err *domain.ConnectionError) Error {
	return Error{
		Category: "connection",
		Code:     string(err.Kind),
		Message:  err.Error(),
		Recovery: err.Kind.Recovery(),
	}
}
