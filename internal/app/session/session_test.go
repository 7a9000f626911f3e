package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/app/share"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/core/coretest"
	"github.com/dkeye/callsession/internal/domain"
)

const waitFor = 2 * time.Second

type harness struct {
	conn     *Connection
	tr       *coretest.Transport
	media    *coretest.MediaDevices
	surfaces *coretest.Surfaces
	clock    *coretest.ImmediateClock
	sub      *events.Subscription
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		tr:       coretest.NewTransport(),
		media:    coretest.NewMediaDevices(),
		surfaces: coretest.NewSurfaces("surface-a"),
		clock:    &coretest.ImmediateClock{},
	}
	cfg := DefaultConfig()
	cfg.QualityInterval = -1
	if mutate != nil {
		mutate(&cfg)
	}
	bus := events.NewBus(events.LossyPolicy{})
	h.sub = bus.Subscribe(1024)
	h.conn = NewConnection(&domain.User{ID: "u1", Username: "alice"}, cfg, Deps{
		Transport: h.tr,
		Media:     h.media,
		Surfaces:  h.surfaces,
		Clock:     h.clock,
		Bus:       bus,
	})
	t.Cleanup(func() { h.conn.Close(context.Background()) })
	return h
}

// next returns the first event matching pred, skipping others.
func (h *harness) next(t *testing.T, pred func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-h.sub.C():
			require.True(t, ok, "subscription closed")
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("event not published")
			return nil
		}
	}
}

func isKind(k events.Kind) func(events.Event) bool {
	return func(ev events.Event) bool { return ev.Kind() == k }
}

func perm(kind domain.PermissionErrorKind) error {
	return &domain.PermissionError{Kind: kind}
}

func participant(c *Connection, id domain.AttendeeID) (domain.Participant, bool) {
	for _, p := range c.Snapshot().Participants {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func TestJoinWithoutMediaNeverContactsTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.media.Fail["full"] = perm(domain.PermissionDenied)
	h.media.Fail["audio"] = perm(domain.PermissionDeviceBusy)
	h.media.Fail["video"] = perm(domain.PermissionDeviceNotFound)

	err := h.conn.Join(context.Background(), "room")
	var cerr *domain.ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, domain.ConnNoMediaAvailable, cerr.Kind)
	require.Equal(t, 0, h.tr.JoinCount())
	require.Equal(t, domain.StateFailed, h.conn.State())

	ev := h.next(t, isKind(events.KindError)).(events.Error)
	require.Equal(t, "permission", ev.Category)
	require.Equal(t, string(domain.PermissionDenied), ev.Code, "original error is surfaced")
	ev = h.next(t, isKind(events.KindError)).(events.Error)
	require.Equal(t, "connection", ev.Category)
	require.Equal(t, domain.RecoveryRetryDevices, ev.Recovery)
}

func TestJoinWithVideoOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.media.Fail["full"] = perm(domain.PermissionDenied)
	h.media.Fail["audio"] = perm(domain.PermissionDenied)

	require.NoError(t, h.conn.Join(context.Background(), "room"))
	require.Equal(t, domain.StateConnected, h.conn.State())
	snap := h.conn.Snapshot()
	require.Equal(t, domain.DeviceCapability{AudioGranted: false, VideoGranted: true}, snap.Capability)
	require.Equal(t, domain.AttendeeID("local"), snap.Local.ID)
	require.True(t, snap.Local.MediaState.Muted)
	require.Len(t, h.tr.Published, 1)

	stream := h.next(t, isKind(events.KindStream)).(events.Stream)
	require.Equal(t, []string{"video-1"}, stream.TrackIDs)
}

func TestEventsDuringJoinAreQueued(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.tr.SetJoinFn(func(ctx context.Context, _ domain.ChannelID, _ domain.UserID) (*domain.Credentials, error) {
		<-release
		return &domain.Credentials{AttendeeID: "local"}, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- h.conn.Join(context.Background(), "room") }()
	require.Eventually(t, func() bool { return h.tr.JoinCount() == 1 }, waitFor, time.Millisecond)

	h.tr.Emit(core.RosterSnapshot{Members: []domain.RosterEntry{{ID: "A", DisplayName: "Ann"}}})
	h.tr.Emit(core.TileUpdated{Tile: domain.VideoTile{TileID: 7, AttendeeID: "A", Active: true}})
	close(release)
	require.NoError(t, <-errCh)

	require.Eventually(t, func() bool {
		p, ok := participant(h.conn, "A")
		return ok && p.VideoTileID != nil
	}, waitFor, time.Millisecond)
	p, _ := participant(h.conn, "A")
	require.Equal(t, domain.TileID(7), *p.VideoTileID)
	require.True(t, p.MediaState.Video)
	require.Equal(t, "Ann", p.DisplayName)
}

func TestEventsOutsideCallAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.Emit(core.RosterSnapshot{Members: []domain.RosterEntry{{ID: "A"}}})
	require.Eventually(t, func() bool { return len(h.tr.Inbound()) == 0 }, waitFor, time.Millisecond)
	h.conn.await(func() {})
	require.NoError(t, h.conn.Join(context.Background(), "room"))
	h.tr.Emit(core.RosterSnapshot{Members: []domain.RosterEntry{{ID: "B"}}})

	require.Eventually(t, func() bool { _, ok := participant(h.conn, "B"); return ok }, waitFor, time.Millisecond)
	_, ok := participant(h.conn, "A")
	require.False(t, ok)
}

func TestDownstreamEvents(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.conn.Join(context.Background(), "room"))

	h.tr.Emit(core.RosterSnapshot{Members: []domain.RosterEntry{{ID: "local"}, {ID: "A"}}})
	joined := h.next(t, isKind(events.KindUserJoined)).(events.UserJoined)
	require.Equal(t, domain.AttendeeID("A"), joined.Participant.ID)
	roster := h.next(t, isKind(events.KindVoiceRoster)).(events.VoiceRoster)
	require.Len(t, roster.Participants, 1, "local attendee is not in the remote roster")

	h.tr.Emit(core.TileUpdated{Tile: domain.VideoTile{TileID: 9, AttendeeID: "A#content", IsContent: true, Active: true}})
	tile := h.next(t, isKind(events.KindVideoTileUpdated)).(events.VideoTileUpdated)
	require.Equal(t, domain.TileID(9), tile.Tile.TileID)
	share := h.next(t, isKind(events.KindScreenSharing)).(events.ScreenSharing)
	require.Equal(t, domain.AttendeeID("A"), share.AttendeeID)
	require.True(t, share.Sharing)

	h.tr.Emit(core.TileRemoved{TileID: 9})
	removed := h.next(t, isKind(events.KindVideoTileRemoved)).(events.VideoTileRemoved)
	require.Equal(t, domain.AttendeeID("A"), removed.AttendeeID)
	share = h.next(t, isKind(events.KindScreenSharing)).(events.ScreenSharing)
	require.False(t, share.Sharing)

	h.tr.Emit(core.RosterSnapshot{Members: []domain.RosterEntry{{ID: "local"}}})
	left := h.next(t, isKind(events.KindUserLeft)).(events.UserLeft)
	require.Equal(t, domain.AttendeeID("A"), left.Participant.ID)
}

func TestLeaveMidJoinReleasesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.SetJoinFn(func(ctx context.Context, _ domain.ChannelID, _ domain.UserID) (*domain.Credentials, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.conn.BindVideoElement(3, "surface-late")

	errCh := make(chan error, 1)
	go func() { errCh <- h.conn.Join(context.Background(), "room") }()
	require.Eventually(t, func() bool { return h.tr.JoinCount() == 1 }, waitFor, time.Millisecond)
	require.Positive(t, h.conn.HeldTracks())

	h.conn.Leave(context.Background())
	require.ErrorIs(t, <-errCh, ErrJoinAborted)

	require.Equal(t, domain.StateDisconnected, h.conn.State())
	require.Zero(t, h.conn.HeldTracks())
	require.Zero(t, h.media.LiveTracks())
	require.Empty(t, h.conn.BoundTiles())
	require.Empty(t, h.tr.Bound())
	require.Equal(t, 1, h.tr.LeaveCount())
}

func TestLeaveAfterJoinUnbindsTiles(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.LeaveErr = errors.New("socket already closed")
	require.NoError(t, h.conn.Join(context.Background(), "room"))
	h.tr.Emit(core.TileUpdated{Tile: domain.VideoTile{TileID: 4, AttendeeID: "A", Active: true}})
	h.conn.BindVideoElement(4, "surface-a")
	require.Eventually(t, func() bool { return len(h.conn.BoundTiles()) == 1 }, waitFor, time.Millisecond)

	h.conn.Leave(context.Background())
	h.conn.Leave(context.Background())

	require.Empty(t, h.conn.BoundTiles())
	require.Empty(t, h.tr.Bound())
	require.Zero(t, h.media.LiveTracks())
	snap := h.conn.Snapshot()
	require.Empty(t, snap.Participants)
	require.Empty(t, snap.Tiles)
}

func TestNewJoinCancelsInFlightJoin(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.tr.SetJoinFn(func(ctx context.Context, _ domain.ChannelID, _ domain.UserID) (*domain.Credentials, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &domain.Credentials{AttendeeID: "local"}, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- h.conn.Join(context.Background(), "room") }()
	require.Eventually(t, func() bool { return h.tr.JoinCount() == 1 }, waitFor, time.Millisecond)

	require.NoError(t, h.conn.Join(context.Background(), "room"))
	require.ErrorIs(t, <-errCh, ErrJoinAborted)
	require.Equal(t, domain.StateConnected, h.conn.State())
	require.Equal(t, 1, h.media.OpenCount(), "capture is reused across joins")
}

func TestAutomaticReconnect(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.tr.SetJoinFn(func(context.Context, domain.ChannelID, domain.UserID) (*domain.Credentials, error) {
		if calls.Add(1) == 2 {
			return nil, &domain.ConnectionError{Kind: domain.ConnNetworkError}
		}
		return &domain.Credentials{AttendeeID: "local"}, nil
	})
	require.NoError(t, h.conn.Join(context.Background(), "room"))

	h.tr.Emit(core.TransportFailed{Err: &domain.ConnectionError{Kind: domain.ConnNetworkError}})
	h.next(t, func(ev events.Event) bool {
		s, ok := ev.(events.ConnectionState)
		return ok && s.State == domain.StateReconnecting
	})
	require.Eventually(t, func() bool {
		return h.tr.JoinCount() == 3 && h.conn.State() == domain.StateConnected
	}, waitFor, time.Millisecond)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, h.clock.Waits())
	require.Positive(t, h.conn.HeldTracks())
}

func TestReconnectGivesUp(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reconnect = ReconnectPolicy{MaxAttempts: 3, MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	})
	var calls atomic.Int32
	h.tr.SetJoinFn(func(context.Context, domain.ChannelID, domain.UserID) (*domain.Credentials, error) {
		if calls.Add(1) > 1 {
			return nil, &domain.ConnectionError{Kind: domain.ConnNetworkError, Err: errors.New("unreachable")}
		}
		return &domain.Credentials{AttendeeID: "local"}, nil
	})
	require.NoError(t, h.conn.Join(context.Background(), "room"))

	h.tr.Emit(core.TransportFailed{Err: &domain.ConnectionError{Kind: domain.ConnNetworkError}})
	require.Eventually(t, func() bool { return h.conn.State() == domain.StateFailed }, waitFor, time.Millisecond)
	require.Equal(t, 4, h.tr.JoinCount())
	require.Eventually(t, func() bool { return h.conn.HeldTracks() == 0 }, waitFor, time.Millisecond)

	h.tr.SetJoinFn(coretest.JoinAs("local"))
	require.NoError(t, h.conn.Reconnect(context.Background()))
	require.Equal(t, domain.StateConnected, h.conn.State())
}

func TestAuthFailureFailsSession(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.conn.Join(context.Background(), "room"))

	h.tr.Emit(core.TransportFailed{Err: &domain.ConnectionError{Kind: domain.ConnAuthFailed}})
	ev := h.next(t, isKind(events.KindError)).(events.Error)
	require.Equal(t, domain.RecoveryReauthenticate, ev.Recovery)
	require.Eventually(t, func() bool { return h.conn.State() == domain.StateFailed }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return h.conn.HeldTracks() == 0 }, waitFor, time.Millisecond)
}

func TestJoinFailureIsClassified(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.SetJoinFn(func(context.Context, domain.ChannelID, domain.UserID) (*domain.Credentials, error) {
		return nil, errors.New("meeting not found")
	})
	err := h.conn.Join(context.Background(), "room")
	var cerr *domain.ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, domain.ConnJoinFailed, cerr.Kind)
	require.Equal(t, domain.StateFailed, h.conn.State())
	require.Zero(t, h.media.LiveTracks())
}

func TestReconnectWithoutChannel(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.conn.Reconnect(context.Background()), ErrNoChannel)
}

func TestCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.ErrorIs(t, h.conn.StartScreenShare(ctx), ErrNotConnected)
	require.ErrorIs(t, h.conn.StartRecording(ctx, domain.RecordingOptions{}), ErrNotConnected)
	require.NoError(t, h.conn.Join(ctx, "room"))

	require.NoError(t, h.conn.ToggleAudio(ctx, false))
	require.Equal(t, []bool{false}, h.tr.AudioCalls)
	require.True(t, h.conn.Snapshot().Local.MediaState.Muted)

	require.NoError(t, h.conn.ToggleVideo(ctx, false))
	require.False(t, h.conn.Snapshot().Local.MediaState.Video)

	require.NoError(t, h.conn.StartScreenShare(ctx))
	require.True(t, h.conn.Snapshot().Local.MediaState.ScreenSharing)
	require.NoError(t, h.conn.StopScreenShare(ctx))
	require.False(t, h.tr.IsSharing())

	require.NoError(t, h.conn.StartRecording(ctx, domain.RecordingOptions{Layout: "speaker"}))
	require.True(t, h.conn.Snapshot().Recording)
	require.NoError(t, h.conn.StopRecording(ctx))

	require.NoError(t, h.conn.SwitchMicrophone(ctx, "mic-2"))
	require.Equal(t, "mic-2", h.tr.Choices[domain.KindAudio])
	require.Len(t, h.tr.Published, 2)
	require.Error(t, h.conn.SwitchCamera(ctx, "cam-9"))

	require.NoError(t, h.conn.SwitchSpeaker(ctx, "spk-1"))
	require.ErrorIs(t, h.conn.SwitchSpeaker(ctx, "spk-9"), ErrUnknownSpeaker)
}

func TestCancelledShareIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.conn.Join(context.Background(), "room"))
	h.tr.ShareErr = core.ErrShareCancelled
	require.NoError(t, h.conn.StartScreenShare(context.Background()))
	require.False(t, h.conn.Snapshot().Local.MediaState.ScreenSharing)
}

func TestLeaveStopsShareAndRecording(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.conn.Join(ctx, "room"))
	require.NoError(t, h.conn.StartScreenShare(ctx))
	require.NoError(t, h.conn.StartRecording(ctx, domain.RecordingOptions{}))

	h.conn.Leave(ctx)
	require.False(t, h.tr.IsSharing())
	require.False(t, h.tr.IsRecording())
}

func TestOpenSharePickerDoesNotStallSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.conn.Join(ctx, "room"))
	picker := make(chan struct{})
	defer close(picker)
	h.tr.SharePicker = picker

	shareErr := make(chan error, 1)
	go func() { shareErr <- h.conn.StartScreenShare(ctx) }()
	require.Eventually(t, h.conn.share.Starting, waitFor, time.Millisecond)

	h.tr.Emit(core.TileUpdated{Tile: domain.VideoTile{TileID: 4, AttendeeID: "B#content", IsContent: true, Active: true}})
	h.tr.Emit(core.RosterSnapshot{Members: []domain.RosterEntry{{ID: "C"}}})
	require.Eventually(t, func() bool { _, ok := participant(h.conn, "C"); return ok }, waitFor, time.Millisecond)
	require.Equal(t, []domain.AttendeeID{"B"}, h.conn.Snapshot().Sharers)

	left := make(chan struct{})
	go func() {
		h.conn.Leave(ctx)
		close(left)
	}()
	select {
	case <-left:
	case <-time.After(waitFor):
		t.Fatal("leave waited on the share picker")
	}
	require.ErrorIs(t, <-shareErr, share.ErrShareAborted)
	require.False(t, h.tr.IsSharing())
	require.False(t, h.conn.Snapshot().Local.MediaState.ScreenSharing)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.conn.Join(context.Background(), "room"))
	h.conn.Close(context.Background())

	for range h.sub.C() {
	}
	require.ErrorIs(t, h.conn.Join(context.Background(), "room"), ErrClosed)
	require.Zero(t, h.media.LiveTracks())
}

func TestBackoff(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 6, MinBackoff: 500 * time.Millisecond, MaxBackoff: 3 * time.Second}
	got := make([]time.Duration, 0, 6)
	for i := 1; i <= 6; i++ {
		got = append(got, p.Backoff(i))
	}
	require.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second,
	}, got)

	uncapped := ReconnectPolicy{MinBackoff: 100 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, uncapped.Backoff(1))
	require.Equal(t, 800*time.Millisecond, uncapped.Backoff(4))
}

func TestSurfaceTableFedByRenderingLayer(t *testing.T) {
	tr := coretest.NewTransport()
	cfg := DefaultConfig()
	cfg.QualityInterval = -1
	conn := NewConnection(&domain.User{ID: "u2"}, cfg, Deps{
		Transport: tr,
		Media:     coretest.NewMediaDevices(),
		Clock:     &coretest.ImmediateClock{},
	})
	t.Cleanup(func() { conn.Close(context.Background()) })

	conn.SurfaceReady("surface-x")
	conn.BindVideoElement(7, "surface-x")
	require.Eventually(t, func() bool { return tr.BindCount() == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, []domain.TileID{7}, conn.BoundTiles())

	conn.SurfaceGone("surface-x")
	require.Empty(t, conn.BoundTiles())
	require.Equal(t, 1, tr.UnbindCount())
}
