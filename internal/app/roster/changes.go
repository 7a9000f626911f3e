package roster

import "github.com/dkeye/callsession/internal/domain"

// Changes describes what one reconciliation step did to the participant view.
// Participants are copies; callers may keep them.
type Changes struct {
	Joined        []domain.Participant
	Left          []domain.Participant
	Updated       []domain.Participant
	TilesUpdated  []domain.VideoTile
	TilesRemoved  []domain.VideoTile
	RosterApplied bool
}

func (c Changes) Empty() bool {
	return len(c.Joined) == 0 && len(c.Left) == 0 && len(c.Updated) == 0 &&
		len(c.TilesUpdated) == 0 && len(c.TilesRemoved) == 0 && !c.RosterApplied
}
