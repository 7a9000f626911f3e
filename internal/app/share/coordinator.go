// Package share coordinates local and remote screen sharing.
package share

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

var ErrShareAborted = errors.New("share start aborted")

// Coordinator owns the single local share and tracks remote content tiles.
// Screen share is a stream class of its own, independent of the camera tile.
// The platform is never called with mu held.
type Coordinator struct {
	share core.ContentShare
	bus   *events.Bus

	mu      sync.Mutex
	local   domain.AttendeeID
	active  bool
	gen     uint64
	abort   context.CancelFunc
	content map[domain.TileID]domain.AttendeeID
}

func NewCoordinator(share core.ContentShare, bus *events.Bus) *Coordinator {
	return &Coordinator{
		share:   share,
		bus:     bus,
		content: make(map[domain.TileID]domain.AttendeeID),
	}
}

// SetLocal records the local attendee so local share events carry its id.
func (c *Coordinator) SetLocal(id domain.AttendeeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = id.Normalize()
}

// StartLocalShare starts a share, stopping the previous one first.
// A user cancelling the platform picker is not an error. A start superseded
// by Stop, Reset or another start while the picker is open returns
// ErrShareAborted.
func (c *Coordinator) StartLocalShare(ctx context.Context) error {
	c.mu.Lock()
	c.cancelPendingLocked()
	wasActive := c.active
	if wasActive {
		c.active = false
		c.publish(false)
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(ctx)
	c.abort = cancel
	c.mu.Unlock()
	defer cancel()

	if wasActive {
		if err := c.share.StopContentShare(ctx); err != nil {
			log.Warn().Err(err).Str("module", "share").Msg("stop previous share failed")
		}
	}

	err := c.share.StartContentShare(ctx)

	c.mu.Lock()
	if c.gen != gen {
		// A newer start owns the platform share; leave it alone.
		orphan := err == nil && c.abort == nil && !c.active
		c.mu.Unlock()
		if orphan {
			c.stopOrphan()
		}
		log.Debug().Str("module", "share").Msg("share start superseded")
		return ErrShareAborted
	}
	c.abort = nil
	switch {
	case errors.Is(err, core.ErrShareCancelled):
		c.mu.Unlock()
		log.Debug().Str("module", "share").Msg("share cancelled at picker")
		return nil
	case err != nil:
		c.mu.Unlock()
		return fmt.Errorf("start content share: %w", err)
	}
	c.active = true
	c.publish(true)
	c.mu.Unlock()
	return nil
}

// stopOrphan ends a share the platform granted after its start was superseded.
func (c *Coordinator) stopOrphan() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.share.StopContentShare(ctx); err != nil {
		log.Warn().Err(err).Str("module", "share").Msg("stop superseded share")
	}
}

// cancelPendingLocked aborts a start still waiting on the platform.
func (c *Coordinator) cancelPendingLocked() {
	if c.abort == nil {
		return
	}
	c.abort()
	c.abort = nil
	c.gen++
}

// StopLocalShare aborts a pending start and ends the active share.
// It is a no-op when nothing is shared.
func (c *Coordinator) StopLocalShare(ctx context.Context) error {
	c.mu.Lock()
	c.cancelPendingLocked()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.publish(false)
	c.mu.Unlock()

	if err := c.share.StopContentShare(ctx); err != nil {
		return fmt.Errorf("stop content share: %w", err)
	}
	return nil
}

func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Starting reports a start waiting on the platform picker.
func (c *Coordinator) Starting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abort != nil
}

func (c *Coordinator) publish(sharing bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.ScreenSharing{AttendeeID: c.local, IsLocal: true, Sharing: sharing})
}

// ObserveTile records a content tile and returns the event describing it.
// Camera tiles and repeated updates that change nothing return false.
func (c *Coordinator) ObserveTile(tile domain.VideoTile) (events.ScreenSharing, bool) {
	if !tile.IsContent {
		return events.ScreenSharing{}, false
	}
	owner := tile.Owner()

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, known := c.content[tile.TileID]
	if !tile.Active {
		if !known {
			return events.ScreenSharing{}, false
		}
		delete(c.content, tile.TileID)
		return events.ScreenSharing{AttendeeID: prev, IsLocal: tile.IsLocal, Sharing: false}, true
	}
	if known && prev == owner {
		return events.ScreenSharing{}, false
	}
	c.content[tile.TileID] = owner
	id := tile.TileID
	return events.ScreenSharing{AttendeeID: owner, IsLocal: tile.IsLocal, Sharing: true, TileID: &id}, true
}

// ObserveTileRemoved forgets a content tile.
func (c *Coordinator) ObserveTileRemoved(tileID domain.TileID) (events.ScreenSharing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.content[tileID]
	if !ok {
		return events.ScreenSharing{}, false
	}
	delete(c.content, tileID)
	return events.ScreenSharing{AttendeeID: owner, IsLocal: owner == c.local, Sharing: false}, true
}

// Sharers lists attendees with a live content tile.
func (c *Coordinator) Sharers() []domain.AttendeeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[domain.AttendeeID]struct{}, len(c.content))
	out := make([]domain.AttendeeID, 0, len(c.content))
	for _, id := range c.content {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset drops every content tile and the local share flag without calling
// the platform. Used after the session has already left.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked()
	c.active = false
	c.content = make(map[domain.TileID]domain.AttendeeID)
}
