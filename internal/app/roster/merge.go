package roster

import "github.com/dkeye/callsession/internal/domain"

// MergeRosterMedia folds a roster-reported media state into the current one.
//
//   - Muted, Speaking: the roster is authoritative, latest value wins.
//   - Video, ScreenSharing: true if either side is true. A tile-confirmed
//     "on" is never lowered by a stale snapshot; only tile removal clears it.
func MergeRosterMedia(current, roster domain.MediaState) domain.MediaState {
	return domain.MediaState{
		Muted:         roster.Muted,
		Speaking:      roster.Speaking,
		Video:         current.Video || roster.Video,
		ScreenSharing: current.ScreenSharing || roster.ScreenSharing,
	}
}

// MergeTileMedia raises the flag of the tile's stream class when the tile is active.
func MergeTileMedia(current domain.MediaState, tile domain.VideoTile) domain.MediaState {
	if tile.IsContent {
		current.ScreenSharing = current.ScreenSharing || tile.Active
	} else {
		current.Video = current.Video || tile.Active
	}
	return current
}

// ApplyDelta overwrites the roster-owned flags present in d.
func ApplyDelta(current domain.MediaState, d domain.MediaDelta) domain.MediaState {
	if d.Muted != nil {
		current.Muted = *d.Muted
	}
	if d.Speaking != nil {
		current.Speaking = *d.Speaking
	}
	return current
}
