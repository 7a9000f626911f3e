package capture

import (
	"errors"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callsession/internal/domain"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// Track is one local capture track backed by a pion static RTP track.
// Muted tracks swallow packets; stopped tracks reject them.
type Track struct {
	local     *webrtc.TrackLocalStaticRTP
	kind      domain.MediaKind
	device    string
	state     atomic.Int32 // Zero by default (TrackStateOk)
	forwarded atomic.Int64
}

func newTrack(local *webrtc.TrackLocalStaticRTP, kind domain.MediaKind, device string) *Track {
	return &Track{local: local, kind: kind, device: device}
}

func (t *Track) ID() string             { return t.local.ID() }
func (t *Track) Kind() domain.MediaKind { return t.kind }
func (t *Track) Device() string         { return t.device }

// Local is the pion track to add to a peer connection.
func (t *Track) Local() *webrtc.TrackLocalStaticRTP { return t.local }

func (t *Track) State() TrackState {
	return TrackState(t.state.Load())
}

// SetEnabled has no effect once the track is stopped.
func (t *Track) SetEnabled(enabled bool) {
	from, to := TrackStateMuted, TrackStateOk
	if !enabled {
		from, to = TrackStateOk, TrackStateMuted
	}
	t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *Track) Stop() {
	t.state.Store(int32(TrackStateStopped))
}

func (t *Track) Stopped() bool {
	return t.State() == TrackStateStopped
}

// Forward writes a captured packet to every peer the track is bound to.
func (t *Track) Forward(pkt *rtp.Packet) error {
	switch t.State() {
	case TrackStateStopped:
		return ErrTrackStopped
	case TrackStateMuted:
		return nil
	}
	if err := t.local.WriteRTP(pkt); err != nil {
		return err
	}
	t.forwarded.Add(1)
	return nil
}

// Forwarded counts packets written while the track was live.
func (t *Track) Forwarded() int64 { return t.forwarded.Load() }
