// Package recording toggles platform recording and broadcasts its state.
package recording

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// Controller holds a single boolean. Elapsed time is the consumer's concern.
// The platform is never called with mu held.
type Controller struct {
	rec core.Recorder
	bus *events.Bus

	mu       sync.Mutex
	active   bool
	starting bool
	gen      uint64
}

func NewController(rec core.Recorder, bus *events.Bus) *Controller {
	return &Controller{rec: rec, bus: bus}
}

// Start is a no-op while a recording is running or starting. A start
// overtaken by Stop or Reset does not flip the state on.
func (c *Controller) Start(ctx context.Context, opts domain.RecordingOptions) error {
	c.mu.Lock()
	if c.active || c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	gen := c.gen
	c.mu.Unlock()

	err := c.rec.StartRecording(ctx, opts)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start recording: %w", err)
	}
	if c.gen != gen {
		c.mu.Unlock()
		if err := c.rec.StopRecording(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("module", "recording").Msg("stop overtaken recording")
		}
		return nil
	}
	c.active = true
	c.publish()
	c.mu.Unlock()
	log.Info().Str("module", "recording").Str("layout", opts.Layout).Bool("audio_only", opts.AudioOnly).Msg("recording started")
	return nil
}

// Stop is a no-op when nothing is recording. The state flips to stopped
// even if the platform call fails.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.publish()
	c.mu.Unlock()

	if err := c.rec.StopRecording(ctx); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	log.Info().Str("module", "recording").Msg("recording stopped")
	return nil
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Reset clears the flag without calling the platform.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.active {
		c.active = false
		c.publish()
	}
}

func (c *Controller) publish() {
	if c.bus != nil {
		c.bus.Publish(events.Recording{Active: c.active})
	}
}
