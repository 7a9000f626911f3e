package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsession/internal/core/coretest"
	"github.com/dkeye/callsession/internal/domain"
)

func perm(kind domain.PermissionErrorKind) error {
	return &domain.PermissionError{Kind: kind}
}

func TestAcquireFallback(t *testing.T) {
	tests := []struct {
		name      string
		fail      map[string]error
		wantAudio bool
		wantVideo bool
		want      domain.DeviceCapability
		wantKind  domain.PermissionErrorKind
		attempts  int
	}{
		{
			name:      "full succeeds",
			wantAudio: true, wantVideo: true,
			want:     domain.DeviceCapability{AudioGranted: true, VideoGranted: true},
			attempts: 1,
		},
		{
			name:      "camera busy falls back to audio-only",
			fail:      map[string]error{"full": perm(domain.PermissionDeviceBusy)},
			wantAudio: true, wantVideo: true,
			want:     domain.DeviceCapability{AudioGranted: true},
			attempts: 2,
		},
		{
			name: "audio fails and video succeeds",
			fail: map[string]error{
				"full":  perm(domain.PermissionDeviceNotFound),
				"audio": perm(domain.PermissionDeviceNotFound),
			},
			wantAudio: true, wantVideo: true,
			want:     domain.DeviceCapability{VideoGranted: true},
			attempts: 3,
		},
		{
			name: "all tiers fail surfaces the first error",
			fail: map[string]error{
				"full":  perm(domain.PermissionDenied),
				"audio": perm(domain.PermissionDeviceNotFound),
				"video": perm(domain.PermissionDeviceBusy),
			},
			wantAudio: true, wantVideo: true,
			wantKind: domain.PermissionDenied,
			attempts: 3,
		},
		{
			name:      "audio only request has a single tier",
			fail:      map[string]error{"audio": errors.New("boom")},
			wantAudio: true,
			wantKind:  domain.PermissionUnknown,
			attempts:  1,
		},
		{
			name:     "nothing requested",
			wantKind: domain.PermissionConstraintsUnsatisfiable,
			attempts: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media := coretest.NewMediaDevices()
			for k, v := range tt.fail {
				media.Fail[k] = v
			}
			c := NewController(media)

			got, err := c.Acquire(context.Background(), tt.wantAudio, tt.wantVideo)
			require.Equal(t, tt.attempts, media.OpenCount())
			if tt.wantKind != "" {
				var perr *domain.PermissionError
				require.ErrorAs(t, err, &perr)
				require.Equal(t, tt.wantKind, perr.Kind)
				_, held := c.Capability()
				require.False(t, held)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			capability, held := c.Capability()
			require.True(t, held)
			require.Equal(t, tt.want, capability)
		})
	}
}

func TestAcquireDoesNotRegrantSilently(t *testing.T) {
	media := coretest.NewMediaDevices()
	media.Fail["full"] = perm(domain.PermissionDeviceBusy)
	c := NewController(media)

	got, err := c.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	require.Equal(t, domain.DeviceCapability{AudioGranted: true}, got)

	delete(media.Fail, "full")
	got, err = c.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	require.Equal(t, domain.DeviceCapability{AudioGranted: true}, got)
	require.Equal(t, 2, media.OpenCount())

	got, err = c.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.DeviceCapability{AudioGranted: true, VideoGranted: true}, got)
	require.Equal(t, 2, media.LiveTracks())
}

func TestReleaseIsIdempotent(t *testing.T) {
	media := coretest.NewMediaDevices()
	c := NewController(media)
	_, err := c.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	require.Equal(t, 2, c.HeldTracks())

	c.Release()
	c.Release()
	require.Equal(t, 0, c.HeldTracks())
	require.Equal(t, 0, media.LiveTracks())
	capability, held := c.Capability()
	require.False(t, held)
	require.False(t, capability.Any())
}

func TestAcquireHonoursCancelledContext(t *testing.T) {
	c := NewController(coretest.NewMediaDevices())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Acquire(ctx, true, true)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSwitch(t *testing.T) {
	media := coretest.NewMediaDevices()
	c := NewController(media)
	ctx := context.Background()

	err := c.Switch(ctx, domain.KindAudio, "mic-404")
	var perr *domain.PermissionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, domain.PermissionDeviceNotFound, perr.Kind)

	_, err = c.Acquire(ctx, true, true)
	require.NoError(t, err)
	require.NoError(t, c.Switch(ctx, domain.KindVideo, "cam-2"))
	last := media.Opened[len(media.Opened)-1]
	require.Equal(t, "cam-2", last.VideoDeviceID)
	require.True(t, last.Audio)
	require.Equal(t, 2, media.LiveTracks())

	media.Fail["full"] = perm(domain.PermissionDeviceBusy)
	err = c.Switch(ctx, domain.KindAudio, "mic-2")
	require.ErrorAs(t, err, &perr)
	require.Equal(t, domain.PermissionDeviceBusy, perr.Kind)
	require.Equal(t, 2, c.HeldTracks())
}

func TestSetEnabled(t *testing.T) {
	c := NewController(coretest.NewMediaDevices())
	_, err := c.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	c.SetEnabled(domain.KindAudio, false)
	for _, tr := range c.Tracks() {
		ft := tr.(*coretest.Track)
		require.Equal(t, tr.Kind() != domain.KindAudio, ft.Enabled())
	}
}
