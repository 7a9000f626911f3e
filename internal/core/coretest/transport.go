package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

// JoinFunc lets a test decide how one Join call settles.
type JoinFunc func(ctx context.Context, channel domain.ChannelID, user domain.UserID) (*domain.Credentials, error)

// Transport is an in-memory core.Transport. Inbound events are pushed with Emit.
type Transport struct {
	mu sync.Mutex

	JoinFn     JoinFunc
	LeaveErr   error
	ShareErr   error
	RecordErr  error
	StatsValue domain.NetworkStats
	StatsErr   error

	// SharePicker, when set, holds StartContentShare open until it is closed
	// or the call's context ends.
	SharePicker chan struct{}

	inbound chan core.Inbound

	Joins       []domain.ChannelID
	Leaves      int
	Published   [][]core.Track
	AudioCalls  []bool
	VideoCalls  []bool
	Choices     map[domain.MediaKind]string
	bound       map[domain.TileID]core.SurfaceHandle
	BindCalls   int
	UnbindCalls int
	Sharing     bool
	ShareStarts int
	Recording   bool
}

func NewTransport() *Transport {
	return &Transport{
		inbound: make(chan core.Inbound, 256),
		Choices: make(map[domain.MediaKind]string),
		bound:   make(map[domain.TileID]core.SurfaceHandle),
	}
}

// JoinAs makes every Join succeed with the given attendee id.
func JoinAs(id domain.AttendeeID) JoinFunc {
	return func(context.Context, domain.ChannelID, domain.UserID) (*domain.Credentials, error) {
		return &domain.Credentials{AttendeeID: id}, nil
	}
}

func (t *Transport) Emit(ev core.Inbound) { t.inbound <- ev }

func (t *Transport) Inbound() <-chan core.Inbound { return t.inbound }

func (t *Transport) Join(ctx context.Context, channel domain.ChannelID, user domain.UserID) (*domain.Credentials, error) {
	t.mu.Lock()
	t.Joins = append(t.Joins, channel)
	fn := t.JoinFn
	t.mu.Unlock()
	if fn == nil {
		fn = JoinAs("local")
	}
	return fn(ctx, channel, user)
}

func (t *Transport) JoinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Joins)
}

func (t *Transport) Leave(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Leaves++
	return t.LeaveErr
}

func (t *Transport) LeaveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Leaves
}

func (t *Transport) Publish(_ context.Context, tracks []core.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Published = append(t.Published, tracks)
	return nil
}

func (t *Transport) SetLocalAudio(_ context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AudioCalls = append(t.AudioCalls, enabled)
	return nil
}

func (t *Transport) SetLocalVideo(_ context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.VideoCalls = append(t.VideoCalls, enabled)
	return nil
}

func (t *Transport) ChooseDevice(_ context.Context, kind domain.MediaKind, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Choices[kind] = deviceID
	return nil
}

func (t *Transport) BindVideoTile(tileID domain.TileID, surface core.SurfaceHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.BindCalls++
	t.bound[tileID] = surface
	return nil
}

func (t *Transport) UnbindVideoTile(tileID domain.TileID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.UnbindCalls++
	delete(t.bound, tileID)
	return nil
}

// Bound returns a copy of the current tile → surface bindings.
func (t *Transport) Bound() map[domain.TileID]core.SurfaceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[domain.TileID]core.SurfaceHandle, len(t.bound))
	for k, v := range t.bound {
		out[k] = v
	}
	return out
}

func (t *Transport) StartContentShare(ctx context.Context) error {
	t.mu.Lock()
	picker := t.SharePicker
	t.mu.Unlock()
	if picker != nil {
		select {
		case <-picker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ShareErr != nil {
		return t.ShareErr
	}
	t.ShareStarts++
	t.Sharing = true
	return nil
}

func (t *Transport) SetSharePicker(picker chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SharePicker = picker
}

func (t *Transport) StopContentShare(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Sharing = false
	return nil
}

func (t *Transport) IsSharing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Sharing
}

func (t *Transport) StartRecording(context.Context, domain.RecordingOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RecordErr != nil {
		return t.RecordErr
	}
	t.Recording = true
	return nil
}

func (t *Transport) StopRecording(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Recording = false
	return nil
}

func (t *Transport) Stats(context.Context) (domain.NetworkStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.StatsValue, t.StatsErr
}

func (t *Transport) SetStats(s domain.NetworkStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StatsValue = s
}

// Surfaces is a settable core.SurfaceResolver.
type Surfaces struct {
	mu    sync.Mutex
	avail map[core.SurfaceHandle]bool
	// AfterChecks makes a surface appear once it has been probed this many times.
	AfterChecks map[core.SurfaceHandle]int
	checks      map[core.SurfaceHandle]int
}

func NewSurfaces(available ...core.SurfaceHandle) *Surfaces {
	s := &Surfaces{
		avail:       make(map[core.SurfaceHandle]bool),
		AfterChecks: make(map[core.SurfaceHandle]int),
		checks:      make(map[core.SurfaceHandle]int),
	}
	for _, h := range available {
		s.avail[h] = true
	}
	return s
}

func (s *Surfaces) Available(h core.SurfaceHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[h]++
	if n, ok := s.AfterChecks[h]; ok && s.checks[h] >= n {
		s.avail[h] = true
	}
	return s.avail[h]
}

func (s *Surfaces) Checks(h core.SurfaceHandle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks[h]
}

func (t *Transport) BindCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.BindCalls
}

func (t *Transport) UnbindCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.UnbindCalls
}

func (t *Transport) IsRecording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Recording
}

func (t *Transport) SetJoinFn(fn JoinFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.JoinFn = fn
}
