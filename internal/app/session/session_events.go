package session

import (
	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/app/roster"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// handle runs on the loop. Events that arrive while a join is settling are
// queued and applied in order once it completes.
func (c *Connection) handle(ev core.Inbound) {
	if f, ok := ev.(core.TransportFailed); ok {
		c.onTransportFailed(f.Err)
		return
	}
	if !c.ready {
		if c.State().Live() {
			c.pending = append(c.pending, ev)
			return
		}
		c.logger.Debug().Str("event", inboundName(ev)).Msg("dropping event outside a call")
		return
	}
	c.apply(ev)
}

func (c *Connection) flush() {
	for len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		c.apply(ev)
	}
	c.pending = nil
}

func (c *Connection) apply(ev core.Inbound) {
	switch e := ev.(type) {
	case core.RosterSnapshot:
		c.emit(c.roster.ApplyRoster(e.Members))
	case core.TileUpdated:
		c.emit(c.roster.ApplyTile(e.Tile))
		if sev, ok := c.share.ObserveTile(e.Tile); ok {
			c.bus.Publish(sev)
		}
	case core.TileRemoved:
		c.emit(c.roster.RemoveTile(e.TileID))
	case core.MediaChanged:
		ch, ok := c.roster.ApplyMediaDelta(e.Delta)
		if !ok {
			c.logger.Debug().Str("attendee", string(e.Delta.AttendeeID)).Msg("media delta for unknown attendee")
			return
		}
		c.emit(ch)
	}
}

// emit publishes the downstream events for one reconciliation step.
func (c *Connection) emit(ch roster.Changes) {
	if ch.Empty() {
		return
	}
	for _, p := range ch.Joined {
		c.bus.Publish(events.UserJoined{Participant: p})
	}
	for _, t := range ch.TilesRemoved {
		c.tiles.Unbind(t.TileID)
		c.bus.Publish(events.VideoTileRemoved{TileID: t.TileID, AttendeeID: t.Owner()})
		if sev, ok := c.share.ObserveTileRemoved(t.TileID); ok {
			c.bus.Publish(sev)
		}
	}
	for _, t := range ch.TilesUpdated {
		c.bus.Publish(events.VideoTileUpdated{Tile: t})
	}
	for _, p := range ch.Updated {
		c.bus.Publish(events.MediaState{AttendeeID: p.ID, IsLocal: p.IsLocal, State: p.MediaState})
	}
	for _, p := range ch.Left {
		c.bus.Publish(events.UserLeft{Participant: p})
	}
	if ch.RosterApplied || len(ch.Joined) > 0 || len(ch.Left) > 0 {
		c.bus.Publish(events.VoiceRoster{Participants: c.roster.Snapshot()})
	}
}

// onTransportFailed runs on the loop. Network errors on a live call start
// automatic reconnection; anything else fails the session.
func (c *Connection) onTransportFailed(cerr *domain.ConnectionError) {
	if cerr == nil {
		cerr = &domain.ConnectionError{Kind: domain.ConnUnknown}
	}
	c.mu.Lock()
	st, seq := c.state, c.joinSeq
	c.mu.Unlock()

	if st != domain.StateConnected && st != domain.StateReconnecting {
		c.logger.Debug().Err(cerr).Str("state", string(st)).Msg("transport error outside a live call")
		return
	}
	if cerr.Kind == domain.ConnNetworkError {
		c.bus.Publish(events.ConnectionFailure(cerr))
		if st == domain.StateConnected {
			c.ready = false
			c.startReconnect(cerr)
		}
		return
	}
	go c.fail(seq, cerr)
}

func inboundName(ev core.Inbound) string {
	switch ev.(type) {
	case core.RosterSnapshot:
		return "roster"
	case core.TileUpdated:
		return "tile_updated"
	case core.TileRemoved:
		return "tile_removed"
	case core.MediaChanged:
		return "media_changed"
	default:
		return "unknown"
	}
}
