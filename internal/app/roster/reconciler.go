// Package roster merges attendee roster snapshots and tile lifecycle events
// into one participant view.
package roster

import (
	"sort"
	"sync"

	"github.com/dkeye/callsession/internal/domain"
)

type entry struct {
	p domain.Participant
	// confirmed is set once a roster snapshot listed the attendee. Unconfirmed
	// entries are placeholders created by a tile that beat the roster.
	confirmed bool
}

// Reconciler owns the canonical participants and tiles maps. All mutations are
// keyed on the normalized attendee id, so both arrival orders converge on one record.
type Reconciler struct {
	mu           sync.RWMutex
	local        domain.Participant
	participants map[domain.AttendeeID]*entry
	tiles        map[domain.TileID]domain.VideoTile
}

func New() *Reconciler {
	return &Reconciler{
		participants: make(map[domain.AttendeeID]*entry),
		tiles:        make(map[domain.TileID]domain.VideoTile),
	}
}

// SetLocal names the local attendee. Roster entries with this id are ignored.
func (r *Reconciler) SetLocal(id domain.AttendeeID, user *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = id.Normalize()
	r.local = domain.Participant{ID: id, IsLocal: true, DisplayName: id.ShortName(), MediaState: r.local.MediaState}
	if user != nil {
		r.local.UnderlyingUserID = user.ID
		r.local.DisplayName = user.Username
	}
	delete(r.participants, id)
}

func (r *Reconciler) isLocal(id domain.AttendeeID) bool {
	return r.local.ID != "" && id.Normalize() == r.local.ID
}

func (r *Reconciler) ApplyRoster(members []domain.RosterEntry) Changes {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := Changes{RosterApplied: true}
	seen := make(map[domain.AttendeeID]bool, len(members))
	for _, m := range members {
		id := m.ID.Normalize()
		if id == "" || r.isLocal(id) || seen[id] {
			continue
		}
		seen[id] = true

		e, ok := r.participants[id]
		if !ok {
			p := domain.Participant{
				ID:               id,
				UnderlyingUserID: m.UnderlyingUserID,
				DisplayName:      m.DisplayName,
				MediaState:       m.MediaState,
			}
			if p.DisplayName == "" {
				p.DisplayName = id.ShortName()
			}
			r.participants[id] = &entry{p: p, confirmed: true}
			ch.Joined = append(ch.Joined, p.Clone())
			continue
		}

		before := e.p.Clone()
		e.confirmed = true
		e.p.MediaState = MergeRosterMedia(e.p.MediaState, m.MediaState)
		if m.DisplayName != "" {
			e.p.DisplayName = m.DisplayName
		}
		if m.UnderlyingUserID != "" {
			e.p.UnderlyingUserID = m.UnderlyingUserID
		}
		if !sameParticipant(before, e.p) {
			ch.Updated = append(ch.Updated, e.p.Clone())
		}
	}

	var gone []domain.AttendeeID
	for id, e := range r.participants {
		if e.confirmed && !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		e := r.participants[id]
		for _, tid := range []*domain.TileID{e.p.VideoTileID, e.p.ScreenTileID} {
			if tid == nil {
				continue
			}
			if t, ok := r.tiles[*tid]; ok {
				delete(r.tiles, *tid)
				ch.TilesRemoved = append(ch.TilesRemoved, t)
			}
		}
		delete(r.participants, id)
		ch.Left = append(ch.Left, e.p.Clone())
	}
	return ch
}

func (r *Reconciler) ApplyTile(tile domain.VideoTile) Changes {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ch Changes
	owner := tile.Owner()
	if owner == "" && !tile.IsLocal {
		return ch
	}
	// A reused tile id first leaves the slot it held before.
	if prev, ok := r.tiles[tile.TileID]; ok && (prev.Owner() != owner || prev.IsContent != tile.IsContent) {
		if p := r.ownerLocked(prev); p != nil {
			clearTile(p, prev)
			if prev.Owner() != owner {
				ch.Updated = append(ch.Updated, p.Clone())
			}
		}
	}

	var p *domain.Participant
	joined := false
	if tile.IsLocal || r.isLocal(owner) {
		tile.IsLocal = true
		p = &r.local
	} else if e, ok := r.participants[owner]; ok {
		p = &e.p
	} else {
		e := &entry{p: domain.Participant{ID: owner, DisplayName: owner.ShortName()}}
		r.participants[owner] = e
		p = &e.p
		joined = true
	}

	before := p.Clone()
	slot := &p.VideoTileID
	if tile.IsContent {
		slot = &p.ScreenTileID
	}
	if *slot != nil && **slot != tile.TileID {
		if old, ok := r.tiles[**slot]; ok {
			delete(r.tiles, old.TileID)
			ch.TilesRemoved = append(ch.TilesRemoved, old)
		}
	}
	*slot = domain.TileIDPtr(tile.TileID)
	p.MediaState = MergeTileMedia(p.MediaState, tile)
	r.tiles[tile.TileID] = tile

	ch.TilesUpdated = append(ch.TilesUpdated, tile)
	switch {
	case joined:
		ch.Joined = append(ch.Joined, p.Clone())
	case !sameParticipant(before, *p):
		ch.Updated = append(ch.Updated, p.Clone())
	}
	return ch
}

// RemoveTile detaches a tile from its owner. The owner stays in the call.
func (r *Reconciler) RemoveTile(tileID domain.TileID) Changes {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ch Changes
	t, ok := r.tiles[tileID]
	if !ok {
		return ch
	}
	delete(r.tiles, tileID)
	ch.TilesRemoved = append(ch.TilesRemoved, t)
	if p := r.ownerLocked(t); p != nil && clearTile(p, t) {
		ch.Updated = append(ch.Updated, p.Clone())
	}
	return ch
}

// ApplyMediaDelta updates muted/speaking of a known attendee. Deltas for
// unknown attendees are ignored; the next roster snapshot carries them.
func (r *Reconciler) ApplyMediaDelta(d domain.MediaDelta) (Changes, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ch Changes
	var p *domain.Participant
	id := d.AttendeeID.Normalize()
	if r.isLocal(id) {
		p = &r.local
	} else if e, ok := r.participants[id]; ok {
		p = &e.p
	} else {
		return ch, false
	}
	next := ApplyDelta(p.MediaState, d)
	if next != p.MediaState {
		p.MediaState = next
		ch.Updated = append(ch.Updated, p.Clone())
	}
	return ch, true
}

// SetLocalMedia applies fn to the local participant's media state.
func (r *Reconciler) SetLocalMedia(fn func(*domain.MediaState)) domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.local.MediaState)
	return r.local.Clone()
}

func (r *Reconciler) ownerLocked(t domain.VideoTile) *domain.Participant {
	if t.IsLocal || r.isLocal(t.Owner()) {
		return &r.local
	}
	if e, ok := r.participants[t.Owner()]; ok {
		return &e.p
	}
	return nil
}

// clearTile drops the reference to t and the matching media flag.
func clearTile(p *domain.Participant, t domain.VideoTile) bool {
	if t.IsContent {
		if p.ScreenTileID != nil && *p.ScreenTileID == t.TileID {
			p.ScreenTileID = nil
			p.MediaState.ScreenSharing = false
			return true
		}
		return false
	}
	if p.VideoTileID != nil && *p.VideoTileID == t.TileID {
		p.VideoTileID = nil
		p.MediaState.Video = false
		return true
	}
	return false
}

func sameParticipant(a, b domain.Participant) bool {
	return a.DisplayName == b.DisplayName &&
		a.UnderlyingUserID == b.UnderlyingUserID &&
		a.MediaState == b.MediaState &&
		sameTile(a.VideoTileID, b.VideoTileID) &&
		sameTile(a.ScreenTileID, b.ScreenTileID)
}

func sameTile(a, b *domain.TileID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
