package core

import "github.com/dkeye/callsession/internal/domain"

// Inbound is one upstream event. The set of variants is closed.
type Inbound interface {
	inbound()
}

// RosterSnapshot is the periodic authoritative attendee list.
type RosterSnapshot struct {
	Members []domain.RosterEntry
}

// TileUpdated reports a tile being added, paused or resumed.
type TileUpdated struct {
	Tile domain.VideoTile
}

// TileRemoved reports a tile going away.
type TileRemoved struct {
	TileID domain.TileID
}

// MediaChanged is a per-attendee media-state delta.
type MediaChanged struct {
	Delta domain.MediaDelta
}

// TransportFailed is a connection error reported by the platform.
type TransportFailed struct {
	Err *domain.ConnectionError
}

func (RosterSnapshot) inbound()  {}
func (TileUpdated) inbound()     {}
func (TileRemoved) inbound()     {}
func (MediaChanged) inbound()    {}
func (TransportFailed) inbound() {}
