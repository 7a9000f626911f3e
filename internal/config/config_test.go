package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, "release", cfg.Mode)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 54*time.Second, cfg.PingPeriod)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Platform.ICEServers)
	require.Equal(t, 5, cfg.Tiles.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Tiles.Interval)
	require.Equal(t, 500*time.Millisecond, cfg.Reconnect.MinBackoff)
	require.Equal(t, 8*time.Second, cfg.Reconnect.MaxBackoff)
	require.Equal(t, 150*time.Millisecond, cfg.Quality.FairLatency)
	require.InDelta(t, 0.08, cfg.Quality.PoorLoss, 1e-9)
	require.Equal(t, 2*time.Minute, cfg.Redis.ClaimTTL)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, 5, cfg.Signal.JoinLimit)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
platform:
  url: ws://media:7000/ws
  ice_servers: [stun:a, stun:b]
tiles:
  max_attempts: 8
  interval: 250ms
devices:
  microphones: [m1, m2]
  deny: [video]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Mode)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "ws://media:7000/ws", cfg.Platform.URL)
	require.Equal(t, []string{"stun:a", "stun:b"}, cfg.Platform.ICEServers)
	require.Equal(t, 8, cfg.Tiles.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Tiles.Interval)
	require.Equal(t, []string{"m1", "m2"}, cfg.Devices.Microphones)
	require.Equal(t, []string{"video"}, cfg.Devices.Deny)
	require.Equal(t, 10*time.Second, cfg.Platform.DialTimeout, "unset keys keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o600))
	t.Setenv("CALL_PORT", "9100")
	t.Setenv("CALL_REDIS_ENABLED", "true")
	t.Setenv("CALL_REDIS_ADDR", "redis:6379")
	t.Setenv("CALL_RECONNECT_MAX_BACKOFF", "3s")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 3*time.Second, cfg.Reconnect.MaxBackoff)
}

func TestBrokenFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}
