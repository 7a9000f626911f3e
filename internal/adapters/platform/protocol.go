package platform

import (
	"encoding/json"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// Message types on the control socket. Requests carry an id and are answered
// by a "reply" with the same id; everything else is pushed by the platform.
const (
	TypeReply = "reply"

	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeOffer          = "offer"
	TypeCandidate      = "candidate"
	TypeSetAudio       = "set_audio"
	TypeSetVideo       = "set_video"
	TypeChooseDevice   = "choose_device"
	TypeBindTile       = "bind_tile"
	TypeUnbindTile     = "unbind_tile"
	TypeStartShare     = "start_share"
	TypeStopShare      = "stop_share"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"

	TypeRoster      = "roster"
	TypeTile        = "tile"
	TypeTileRemoved = "tile_removed"
	TypeMedia       = "media"
	TypeError       = "error"
)

// Error kinds the platform reports in replies and error pushes.
const (
	KindAuthFailed = "auth_failed"
	KindJoinFailed = "join_failed"
	KindNetwork    = "network_error"
	KindCancelled  = "cancelled"
)

type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return "platform: " + e.Kind
	}
	return "platform: " + e.Kind + ": " + e.Message
}

type JoinRequest struct {
	Channel domain.ChannelID `json:"channel"`
	User    domain.UserID    `json:"user"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Toggle struct {
	Enabled bool `json:"enabled"`
}

type DeviceChoice struct {
	Kind     domain.MediaKind `json:"kind"`
	DeviceID string           `json:"deviceId"`
}

type TileBinding struct {
	TileID  domain.TileID      `json:"tileId"`
	Surface core.SurfaceHandle `json:"surface,omitempty"`
}

type RosterPush struct {
	Members []domain.RosterEntry `json:"members"`
}

type TileRemovedPush struct {
	TileID domain.TileID `json:"tileId"`
}

// connectionKind maps a wire error kind onto the classification sessions branch on.
func connectionKind(kind string) domain.ConnectionErrorKind {
	switch kind {
	case KindAuthFailed:
		return domain.ConnAuthFailed
	case KindJoinFailed:
		return domain.ConnJoinFailed
	case KindNetwork:
		return domain.ConnNetworkError
	default:
		return domain.ConnUnknown
	}
}

// decodePush turns one pushed envelope into an upstream event.
// Unknown types yield ok=false and are ignored by the caller.
func decodePush(env Envelope) (core.Inbound, bool, error) {
	switch env.Type {
	case TypeRoster:
		var p RosterPush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, false, err
		}
		return core.RosterSnapshot{Members: p.Members}, true, nil
	case TypeTile:
		var t domain.VideoTile
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, false, err
		}
		return core.TileUpdated{Tile: t}, true, nil
	case TypeTileRemoved:
		var p TileRemovedPush
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, false, err
		}
		return core.TileRemoved{TileID: p.TileID}, true, nil
	case TypeMedia:
		var d domain.MediaDelta
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, false, err
		}
		return core.MediaChanged{Delta: d}, true, nil
	case TypeError:
		var w WireError
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, false, err
		}
		return core.TransportFailed{Err: &domain.ConnectionError{
			Kind: connectionKind(w.Kind),
			Err:  &w,
		}}, true, nil
	default:
		return nil, false, nil
	}
}
