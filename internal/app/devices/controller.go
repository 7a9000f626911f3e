// Package devices owns local capture and its fallback policy.
package devices

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

var errNothingRequested = errors.New("no media kind requested")

type tier struct {
	name  string
	audio bool
	video bool
}

// fallbackTiers lists the acquisition attempts in order: full, audio-only, video-only.
func fallbackTiers(wantAudio, wantVideo bool) []tier {
	var out []tier
	if wantAudio && wantVideo {
		out = append(out, tier{name: "full", audio: true, video: true})
	}
	if wantAudio {
		out = append(out, tier{name: "audio-only", audio: true})
	}
	if wantVideo {
		out = append(out, tier{name: "video-only", video: true})
	}
	return out
}

// Controller is the exclusive owner of the local capture handle.
type Controller struct {
	media core.MediaDevices

	mu          sync.Mutex
	handle      core.CaptureHandle
	capability  domain.DeviceCapability
	acquired    bool
	wantAudio   bool
	wantVideo   bool
	audioDevice string
	videoDevice string
}

func NewController(media core.MediaDevices) *Controller {
	return &Controller{media: media}
}

// Acquire captures local media, falling back a tier at a time. If every tier
// fails the error of the first attempt is returned as *domain.PermissionError.
// While a capture is held Acquire returns the existing capability; use Retry
// to ask again.
func (c *Controller) Acquire(ctx context.Context, wantAudio, wantVideo bool) (domain.DeviceCapability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return c.capability, nil
	}
	c.wantAudio, c.wantVideo = wantAudio, wantVideo
	return c.acquireLocked(ctx)
}

// Retry releases the current capture and runs the fallback chain again with
// the last requested kinds.
func (c *Controller) Retry(ctx context.Context) (domain.DeviceCapability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	return c.acquireLocked(ctx)
}

func (c *Controller) acquireLocked(ctx context.Context) (domain.DeviceCapability, error) {
	tiers := fallbackTiers(c.wantAudio, c.wantVideo)
	if len(tiers) == 0 {
		return domain.DeviceCapability{}, &domain.PermissionError{Kind: domain.PermissionConstraintsUnsatisfiable, Err: errNothingRequested}
	}

	var first error
	for _, t := range tiers {
		if err := ctx.Err(); err != nil {
			return domain.DeviceCapability{}, err
		}
		h, err := c.media.Open(ctx, core.Constraints{
			Audio:         t.audio,
			Video:         t.video,
			AudioDeviceID: c.audioDevice,
			VideoDeviceID: c.videoDevice,
		})
		if err != nil {
			log.Debug().Err(err).Str("module", "devices").Str("tier", t.name).Msg("capture tier failed")
			if first == nil {
				first = err
			}
			continue
		}
		c.handle = h
		c.acquired = true
		c.capability = domain.DeviceCapability{AudioGranted: t.audio, VideoGranted: t.video}
		log.Info().Str("module", "devices").Str("tier", t.name).Int("tracks", len(h.Tracks())).Msg("capture acquired")
		return c.capability, nil
	}
	perr := Classify(first)
	log.Warn().Err(perr).Str("module", "devices").Msg("all capture tiers failed")
	return domain.DeviceCapability{}, perr
}

// Release stops every held track. It is idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.handle != nil {
		for _, t := range c.handle.Tracks() {
			t.Stop()
		}
		c.handle.Stop()
		log.Info().Str("module", "devices").Msg("capture released")
	}
	c.handle = nil
	c.acquired = false
	c.capability = domain.DeviceCapability{}
}

// Capability reports the granted kinds and whether a capture is held.
func (c *Controller) Capability() (domain.DeviceCapability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capability, c.acquired
}

func (c *Controller) Tracks() []core.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	return c.handle.Tracks()
}

// HeldTracks counts tracks that have not been stopped.
func (c *Controller) HeldTracks() int {
	n := 0
	for _, t := range c.Tracks() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// SetEnabled mutes or unmutes the local tracks of a kind without releasing them.
func (c *Controller) SetEnabled(kind domain.MediaKind, enabled bool) {
	for _, t := range c.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// Switch reopens the current capture using deviceID for kind. The old
// capture is kept if the new one cannot be opened.
func (c *Controller) Switch(ctx context.Context, kind domain.MediaKind, deviceID string) error {
	if !slices.Contains(c.media.Devices(kind), deviceID) {
		return &domain.PermissionError{Kind: domain.PermissionDeviceNotFound, Err: errors.New(deviceID)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	audioDevice, videoDevice := c.audioDevice, c.videoDevice
	switch kind {
	case domain.KindAudio:
		audioDevice = deviceID
	case domain.KindVideo:
		videoDevice = deviceID
	default:
		return &domain.PermissionError{Kind: domain.PermissionConstraintsUnsatisfiable, Err: errors.New(string(kind))}
	}

	if !c.acquired {
		c.audioDevice, c.videoDevice = audioDevice, videoDevice
		return nil
	}
	h, err := c.media.Open(ctx, core.Constraints{
		Audio:         c.capability.AudioGranted,
		Video:         c.capability.VideoGranted,
		AudioDeviceID: audioDevice,
		VideoDeviceID: videoDevice,
	})
	if err != nil {
		return Classify(err)
	}
	c.handle.Stop()
	c.handle = h
	c.audioDevice, c.videoDevice = audioDevice, videoDevice
	log.Info().Str("module", "devices").Str("kind", string(kind)).Str("device", deviceID).Msg("device switched")
	return nil
}

// Devices lists the known device ids of kind.
func (c *Controller) Devices(kind domain.MediaKind) []string {
	return c.media.Devices(kind)
}
