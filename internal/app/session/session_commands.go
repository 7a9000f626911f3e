package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

func (c *Connection) connected() bool {
	return c.State() == domain.StateConnected
}

// ToggleAudio mutes or unmutes the microphone without releasing it.
func (c *Connection) ToggleAudio(ctx context.Context, enabled bool) error {
	capability, _ := c.devices.Capability()
	if !capability.AudioGranted {
		return ErrNoCapture
	}
	c.devices.SetEnabled(domain.KindAudio, enabled)
	if c.connected() {
		if err := c.transport.SetLocalAudio(ctx, enabled); err != nil {
			return fmt.Errorf("set local audio: %w", err)
		}
	}
	c.publishLocal(func(ms *domain.MediaState) { ms.Muted = !enabled })
	return nil
}

// ToggleVideo pauses or resumes the camera without releasing it.
func (c *Connection) ToggleVideo(ctx context.Context, enabled bool) error {
	capability, _ := c.devices.Capability()
	if !capability.VideoGranted {
		return ErrNoCapture
	}
	c.devices.SetEnabled(domain.KindVideo, enabled)
	if c.connected() {
		if err := c.transport.SetLocalVideo(ctx, enabled); err != nil {
			return fmt.Errorf("set local video: %w", err)
		}
	}
	c.publishLocal(func(ms *domain.MediaState) { ms.Video = enabled })
	return nil
}

func (c *Connection) publishLocal(fn func(*domain.MediaState)) {
	local := c.roster.SetLocalMedia(fn)
	c.bus.Publish(events.MediaState{AttendeeID: local.ID, IsLocal: true, State: local.MediaState})
}

func (c *Connection) StartScreenShare(ctx context.Context) error {
	if !c.connected() {
		return ErrNotConnected
	}
	if err := c.share.StartLocalShare(ctx); err != nil {
		return err
	}
	active := c.share.Active()
	c.publishLocal(func(ms *domain.MediaState) { ms.ScreenSharing = active })
	return nil
}

func (c *Connection) StopScreenShare(ctx context.Context) error {
	if !c.share.Active() {
		return c.share.StopLocalShare(ctx)
	}
	err := c.share.StopLocalShare(ctx)
	c.publishLocal(func(ms *domain.MediaState) { ms.ScreenSharing = false })
	return err
}

func (c *Connection) StartRecording(ctx context.Context, opts domain.RecordingOptions) error {
	if !c.connected() {
		return ErrNotConnected
	}
	return c.recording.Start(ctx, opts)
}

func (c *Connection) StopRecording(ctx context.Context) error {
	return c.recording.Stop(ctx)
}

func (c *Connection) SwitchMicrophone(ctx context.Context, deviceID string) error {
	return c.switchDevice(ctx, domain.KindAudio, deviceID)
}

func (c *Connection) SwitchCamera(ctx context.Context, deviceID string) error {
	return c.switchDevice(ctx, domain.KindVideo, deviceID)
}

// SwitchSpeaker routes remote audio to deviceID. Speakers are output only,
// so no capture is reopened.
func (c *Connection) SwitchSpeaker(ctx context.Context, deviceID string) error {
	if !slices.Contains(c.devices.Devices(domain.KindSpeaker), deviceID) {
		return fmt.Errorf("%w: %s", ErrUnknownSpeaker, deviceID)
	}
	if !c.connected() {
		return nil
	}
	return c.transport.ChooseDevice(ctx, domain.KindSpeaker, deviceID)
}

// switchDevice reopens capture on the new device, restores the mute state
// and republishes the tracks when connected.
func (c *Connection) switchDevice(ctx context.Context, kind domain.MediaKind, deviceID string) error {
	if err := c.devices.Switch(ctx, kind, deviceID); err != nil {
		return err
	}
	local := c.roster.Local()
	c.devices.SetEnabled(domain.KindAudio, !local.MediaState.Muted)
	c.devices.SetEnabled(domain.KindVideo, local.MediaState.Video)
	if !c.connected() {
		return nil
	}
	if err := c.transport.ChooseDevice(ctx, kind, deviceID); err != nil {
		return fmt.Errorf("choose device: %w", err)
	}
	tracks := c.devices.Tracks()
	if err := c.transport.Publish(ctx, tracks); err != nil {
		return fmt.Errorf("republish tracks: %w", err)
	}
	c.bus.Publish(events.Stream{Capability: c.capability(), TrackIDs: trackIDs(c.devices)})
	return nil
}

func (c *Connection) capability() domain.DeviceCapability {
	capability, _ := c.devices.Capability()
	return capability
}

// RetryDevices drops the current capture and runs the fallback tiers again.
func (c *Connection) RetryDevices(ctx context.Context) (domain.DeviceCapability, error) {
	capability, err := c.devices.Retry(ctx)
	if err != nil {
		return capability, err
	}
	c.bus.Publish(events.Stream{Capability: capability, TrackIDs: trackIDs(c.devices)})
	if c.connected() {
		if err := c.transport.Publish(ctx, c.devices.Tracks()); err != nil {
			return capability, fmt.Errorf("republish tracks: %w", err)
		}
	}
	return capability, nil
}

// BindVideoElement attaches a tile to a rendering surface, retrying while the
// surface does not exist yet.
func (c *Connection) BindVideoElement(tileID domain.TileID, surface core.SurfaceHandle) {
	c.tiles.Bind(tileID, surface)
}

func (c *Connection) UnbindVideoElement(tileID domain.TileID) {
	c.tiles.Unbind(tileID)
}

// SurfaceReady records a surface announced by the rendering layer. Pending
// binds pick it up on their next attempt.
func (c *Connection) SurfaceReady(surface core.SurfaceHandle) {
	if c.surfaces != nil {
		c.surfaces.Add(surface)
	}
}

// SurfaceGone releases every tile rendered on surface.
func (c *Connection) SurfaceGone(surface core.SurfaceHandle) {
	if c.surfaces != nil {
		c.surfaces.Remove(surface)
	}
	c.tiles.UnbindSurface(surface)
}
