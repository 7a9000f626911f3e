package roster

import (
	"sort"

	"github.com/dkeye/callsession/internal/domain"
)

// Snapshot returns copies of the remote participants ordered by id.
func (r *Reconciler) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, e := range r.participants {
		out = append(out, e.p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) Local() domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local.Clone()
}

func (r *Reconciler) Participant(id domain.AttendeeID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id = id.Normalize()
	if r.isLocal(id) {
		return r.local.Clone(), true
	}
	e, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return e.p.Clone(), true
}

func (r *Reconciler) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Tiles returns the live tiles ordered by id.
func (r *Reconciler) Tiles() []domain.VideoTile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.VideoTile, 0, len(r.tiles))
	for _, t := range r.tiles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TileID < out[j].TileID })
	return out
}

func (r *Reconciler) Tile(id domain.TileID) (domain.VideoTile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiles[id]
	return t, ok
}

// Reset forgets every participant and tile, including the local identity.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = domain.Participant{}
	clear(r.participants)
	clear(r.tiles)
}
