// Package capture exposes a configured device inventory as local media.
package capture

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// Inventory lists the devices a host offers and which of them are unusable.
type Inventory struct {
	Microphones []string
	Cameras     []string
	Speakers    []string
	// Busy device ids fail with DeviceBusy.
	Busy []string
	// Deny holds kinds the user refused ("audio", "video").
	Deny []string
	// FrameInterval paces the synthetic frames fed into open tracks.
	// Zero means DefaultFrameInterval, negative leaves tracks idle.
	FrameInterval time.Duration
}

// Devices implements core.MediaDevices over an Inventory.
type Devices struct {
	inv Inventory

	mu   sync.Mutex
	open map[string]int
}

func NewDevices(inv Inventory) *Devices {
	return &Devices{inv: inv, open: make(map[string]int)}
}

func (d *Devices) Devices(kind domain.MediaKind) []string {
	switch kind {
	case domain.KindAudio:
		return slices.Clone(d.inv.Microphones)
	case domain.KindVideo:
		return slices.Clone(d.inv.Cameras)
	case domain.KindSpeaker:
		return slices.Clone(d.inv.Speakers)
	default:
		return nil
	}
}

func (d *Devices) Open(ctx context.Context, c core.Constraints) (core.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.PermissionError{Kind: domain.PermissionUnknown, Err: err}
	}
	if !c.Audio && !c.Video {
		return nil, &domain.PermissionError{Kind: domain.PermissionConstraintsUnsatisfiable}
	}

	stream := "callsession-" + uuid.NewString()
	h := &Handle{}
	if c.Audio {
		t, err := d.openTrack(domain.KindAudio, c.AudioDeviceID, stream)
		if err != nil {
			return nil, err
		}
		h.tracks = append(h.tracks, t)
	}
	if c.Video {
		t, err := d.openTrack(domain.KindVideo, c.VideoDeviceID, stream)
		if err != nil {
			h.Stop()
			return nil, err
		}
		h.tracks = append(h.tracks, t)
	}
	h.devices = d
	live := make([]*Track, 0, len(h.tracks))
	d.mu.Lock()
	for _, t := range h.tracks {
		live = append(live, t.(*Track))
		d.open[t.(*Track).device]++
	}
	d.mu.Unlock()
	if d.inv.FrameInterval >= 0 {
		h.pump = startPump(live, d.inv.FrameInterval)
	}
	log.Debug().Str("module", "capture").Str("stream", stream).Int("tracks", len(h.tracks)).Msg("capture opened")
	return h, nil
}

func (d *Devices) openTrack(kind domain.MediaKind, deviceID, stream string) (*Track, error) {
	if slices.Contains(d.inv.Deny, string(kind)) {
		return nil, &domain.PermissionError{Kind: domain.PermissionDenied, Err: fmt.Errorf("%s denied", kind)}
	}
	known := d.Devices(kind)
	if deviceID == "" {
		if len(known) == 0 {
			return nil, &domain.PermissionError{Kind: domain.PermissionDeviceNotFound, Err: fmt.Errorf("no %s device", kind)}
		}
		deviceID = known[0]
	}
	if !slices.Contains(known, deviceID) {
		return nil, &domain.PermissionError{Kind: domain.PermissionDeviceNotFound, Err: fmt.Errorf("%s device %q", kind, deviceID)}
	}
	if slices.Contains(d.inv.Busy, deviceID) {
		return nil, &domain.PermissionError{Kind: domain.PermissionDeviceBusy, Err: fmt.Errorf("%s device %q", kind, deviceID)}
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind)+"-"+uuid.NewString(), stream)
	if err != nil {
		return nil, &domain.PermissionError{Kind: domain.PermissionUnknown, Err: err}
	}
	return newTrack(local, kind, deviceID), nil
}

// InUse counts open tracks per device id.
func (d *Devices) InUse(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[deviceID]
}

func (d *Devices) closed(t *Track) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[t.device] > 0 {
		d.open[t.device]--
	}
}

// Handle owns the tracks of one Open call.
type Handle struct {
	devices *Devices
	tracks  []core.Track
	pump    *pump
	once    sync.Once
}

func (h *Handle) Tracks() []core.Track { return h.tracks }

func (h *Handle) Stop() {
	h.once.Do(func() {
		if h.pump != nil {
			h.pump.stop()
		}
		for _, t := range h.tracks {
			t.Stop()
			if ct, ok := t.(*Track); ok && h.devices != nil {
				h.devices.closed(ct)
			}
		}
	})
}

var _ core.MediaDevices = (*Devices)(nil)
