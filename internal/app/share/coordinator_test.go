package share

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/core/coretest"
	"github.com/dkeye/callsession/internal/domain"
)

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartAndStopLocalShare(t *testing.T) {
	tr := coretest.NewTransport()
	bus := events.NewBus(events.LossyPolicy{})
	sub := bus.Subscribe(8)
	c := NewCoordinator(tr, bus)
	c.SetLocal("me")

	require.NoError(t, c.StartLocalShare(context.Background()))
	require.True(t, c.Active())
	require.True(t, tr.IsSharing())

	require.NoError(t, c.StopLocalShare(context.Background()))
	require.False(t, c.Active())
	require.False(t, tr.IsSharing())

	require.Equal(t, []events.Event{
		events.ScreenSharing{AttendeeID: "me", IsLocal: true, Sharing: true},
		events.ScreenSharing{AttendeeID: "me", IsLocal: true, Sharing: false},
	}, drain(sub))
}

func TestCancelledShareIsSilent(t *testing.T) {
	tr := coretest.NewTransport()
	tr.ShareErr = core.ErrShareCancelled
	bus := events.NewBus(events.LossyPolicy{})
	sub := bus.Subscribe(8)
	c := NewCoordinator(tr, bus)

	require.NoError(t, c.StartLocalShare(context.Background()))
	require.False(t, c.Active())
	require.Empty(t, drain(sub))
}

func TestShareFailureIsSurfaced(t *testing.T) {
	tr := coretest.NewTransport()
	boom := errors.New("encoder unavailable")
	tr.ShareErr = boom
	c := NewCoordinator(tr, nil)

	err := c.StartLocalShare(context.Background())
	require.ErrorIs(t, err, boom)
	require.False(t, c.Active())
}

func TestNewShareStopsPrevious(t *testing.T) {
	tr := coretest.NewTransport()
	bus := events.NewBus(events.LossyPolicy{})
	sub := bus.Subscribe(8)
	c := NewCoordinator(tr, bus)

	require.NoError(t, c.StartLocalShare(context.Background()))
	require.NoError(t, c.StartLocalShare(context.Background()))
	require.True(t, c.Active())
	require.Equal(t, 2, tr.ShareStarts)

	evs := drain(sub)
	require.Len(t, evs, 3)
	require.False(t, evs[1].(events.ScreenSharing).Sharing)
	require.True(t, evs[2].(events.ScreenSharing).Sharing)
}

func TestStopWithoutShareIsNoop(t *testing.T) {
	c := NewCoordinator(coretest.NewTransport(), nil)
	require.NoError(t, c.StopLocalShare(context.Background()))
}

func TestObserveContentTiles(t *testing.T) {
	c := NewCoordinator(coretest.NewTransport(), nil)

	_, ok := c.ObserveTile(domain.VideoTile{TileID: 1, AttendeeID: "A", Active: true})
	require.False(t, ok, "camera tiles are not screen shares")

	ev, ok := c.ObserveTile(domain.VideoTile{TileID: 9, AttendeeID: "A#content", IsContent: true, Active: true})
	require.True(t, ok)
	require.Equal(t, domain.AttendeeID("A"), ev.AttendeeID)
	require.True(t, ev.Sharing)
	require.Equal(t, domain.TileID(9), *ev.TileID)

	_, ok = c.ObserveTile(domain.VideoTile{TileID: 9, AttendeeID: "A#content", IsContent: true, Active: true})
	require.False(t, ok, "repeat update changes nothing")

	c.ObserveTile(domain.VideoTile{TileID: 11, AttendeeID: "B#content", IsContent: true, Active: true})
	require.Equal(t, []domain.AttendeeID{"A", "B"}, c.Sharers())

	ev, ok = c.ObserveTileRemoved(9)
	require.True(t, ok)
	require.Equal(t, events.ScreenSharing{AttendeeID: "A", Sharing: false}, ev)
	require.Equal(t, []domain.AttendeeID{"B"}, c.Sharers())

	_, ok = c.ObserveTileRemoved(9)
	require.False(t, ok)

	ev, ok = c.ObserveTile(domain.VideoTile{TileID: 11, AttendeeID: "B#content", IsContent: true, Active: false})
	require.True(t, ok)
	require.False(t, ev.Sharing)
	require.Empty(t, c.Sharers())
}

func TestReset(t *testing.T) {
	tr := coretest.NewTransport()
	c := NewCoordinator(tr, nil)
	require.NoError(t, c.StartLocalShare(context.Background()))
	c.ObserveTile(domain.VideoTile{TileID: 3, AttendeeID: "X#content", IsContent: true, Active: true})

	c.Reset()
	require.False(t, c.Active())
	require.Empty(t, c.Sharers())
}

func startPending(t *testing.T, c *Coordinator) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.StartLocalShare(context.Background()) }()
	require.Eventually(t, c.Starting, time.Second, time.Millisecond)
	return errCh
}

func TestOpenPickerKeepsCoordinatorResponsive(t *testing.T) {
	tr := coretest.NewTransport()
	tr.SharePicker = make(chan struct{})
	defer close(tr.SharePicker)
	bus := events.NewBus(events.LossyPolicy{})
	sub := bus.Subscribe(8)
	c := NewCoordinator(tr, bus)
	c.SetLocal("me")

	errCh := startPending(t, c)

	_, ok := c.ObserveTile(domain.VideoTile{TileID: 4, AttendeeID: "B#content", IsContent: true, Active: true})
	require.True(t, ok)
	require.Equal(t, []domain.AttendeeID{"B"}, c.Sharers())
	require.False(t, c.Active())

	require.NoError(t, c.StopLocalShare(context.Background()))
	require.ErrorIs(t, <-errCh, ErrShareAborted)
	require.False(t, c.Starting())
	require.False(t, c.Active())
	require.False(t, tr.IsSharing())
	require.Empty(t, drain(sub), "an aborted start publishes nothing")
}

func TestResetAbortsPendingStart(t *testing.T) {
	tr := coretest.NewTransport()
	tr.SharePicker = make(chan struct{})
	defer close(tr.SharePicker)
	c := NewCoordinator(tr, nil)

	errCh := startPending(t, c)
	c.Reset()
	require.ErrorIs(t, <-errCh, ErrShareAborted)
	require.False(t, c.Active())
	require.Zero(t, tr.ShareStarts)
}
