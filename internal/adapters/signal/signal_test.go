package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsession/internal/app"
	"github.com/dkeye/callsession/internal/app/session"
	"github.com/dkeye/callsession/internal/core/coretest"
	"github.com/dkeye/callsession/internal/domain"
)

const waitFor = 2 * time.Second

type testServer struct {
	srv        *httptest.Server
	registry   *app.Registry
	ctl        *SignalWSController
	mu         sync.Mutex
	transports map[domain.UserID]*coretest.Transport
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := &testServer{transports: make(map[domain.UserID]*coretest.Transport)}
	ts.registry = app.NewRegistry(func(user *domain.User) (*session.Connection, error) {
		tr := coretest.NewTransport()
		ts.mu.Lock()
		ts.transports[user.ID] = tr
		ts.mu.Unlock()
		cfg := session.DefaultConfig()
		cfg.QualityInterval = -1
		return session.NewConnection(user, cfg, session.Deps{
			Transport: tr,
			Media:     coretest.NewMediaDevices(),
			Clock:     &coretest.ImmediateClock{},
		}), nil
	}, nil, time.Minute, nil)
	ts.ctl = NewSignalWSController(ts.registry, opts)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("client_token", c.Query("token"))
		c.Next()
	})
	r.GET("/ws", func(c *gin.Context) { ts.ctl.HandleSession(context.Background(), c) })
	ts.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		ts.srv.Close()
		ts.registry.CloseAll(context.Background())
	})
	return ts
}

func (ts *testServer) transport(id domain.UserID) *coretest.Transport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.transports[id]
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (ts *testServer) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// next returns the first frame whose type matches, skipping the others.
func (c *wsClient) next(typ string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		var f map[string]any
		require.NoError(c.t, json.Unmarshal(data, &f))
		if f["type"] == typ {
			return f
		}
	}
}

// result returns the ack or nack of cmd.
func (c *wsClient) result(cmd string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for result of %s", cmd)
		var f map[string]any
		require.NoError(c.t, json.Unmarshal(data, &f))
		if (f["type"] == "ack" || f["type"] == "nack") && f["command"] == cmd {
			return f
		}
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "u1")

	snap := c.next("snapshot")
	data := snap["data"].(map[string]any)
	require.Equal(t, string(domain.StateDisconnected), data["state"])
}

func TestPingAndWhoAmI(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "u1")

	c.send(map[string]any{"type": "ping"})
	c.next("pong")

	c.send(map[string]any{"type": "rename", "name": "alice"})
	who := c.next("whoami")
	require.Equal(t, "alice", who["username"])
	require.Equal(t, "u1", who["id"])

	c.send(map[string]any{"type": "rename", "name": ""})
	nack := c.result("rename")
	require.Equal(t, "nack", nack["type"])
	require.Equal(t, "invalid_name", nack["error"])
}

func TestJoinStreamsEvents(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "u1")

	c.send(map[string]any{"type": "join", "channel": "room-1"})
	require.Equal(t, "ack", c.result("join")["type"])

	sess, ok := ts.registry.Get("u1")
	require.True(t, ok)
	require.Equal(t, domain.StateConnected, sess.State())

	c.send(map[string]any{"type": "toggle_audio", "enabled": false})
	require.Equal(t, "ack", c.result("toggle_audio")["type"])
	require.True(t, sess.Snapshot().Local.MediaState.Muted)

	c.send(map[string]any{"type": "surface_ready", "surface": "s-1"})
	c.result("surface_ready")
	c.send(map[string]any{"type": "bind_tile", "tileId": 3, "surface": "s-1"})
	c.result("bind_tile")
	require.Eventually(t, func() bool { return ts.transport("u1").BindCount() == 1 }, waitFor, 5*time.Millisecond)

	c.send(map[string]any{"type": "leave"})
	c.result("leave")
	require.Equal(t, domain.StateDisconnected, sess.State())
}

// results collects the acks and nacks of cmds in any order.
func (c *wsClient) results(cmds ...string) map[string]map[string]any {
	c.t.Helper()
	out := make(map[string]map[string]any, len(cmds))
	deadline := time.Now().Add(waitFor)
	for len(out) < len(cmds) {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for results of %v", cmds)
		var f map[string]any
		require.NoError(c.t, json.Unmarshal(data, &f))
		if f["type"] != "ack" && f["type"] != "nack" {
			continue
		}
		if cmd, ok := f["command"].(string); ok && slices.Contains(cmds, cmd) {
			out[cmd] = f
		}
	}
	return out
}

func TestLeaveWhileSharePickerOpen(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "u1")

	c.send(map[string]any{"type": "join", "channel": "room-1"})
	require.Equal(t, "ack", c.result("join")["type"])
	picker := make(chan struct{})
	t.Cleanup(func() { close(picker) })
	ts.transport("u1").SetSharePicker(picker)

	c.send(map[string]any{"type": "start_share"})
	c.send(map[string]any{"type": "leave"})

	got := c.results("start_share", "leave")
	require.Equal(t, "ack", got["leave"]["type"])
	require.Equal(t, "nack", got["start_share"]["type"])
	require.Contains(t, []any{"share_aborted", "not_connected"}, got["start_share"]["error"])
	require.False(t, ts.transport("u1").IsSharing())
}

func TestCommandErrors(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.dial(t, "u1")

	c.send(map[string]any{"type": "start_share"})
	require.Equal(t, "not_connected", c.result("start_share")["error"])

	c.send(map[string]any{"type": "toggle_video"})
	require.Equal(t, "bad_payload", c.result("toggle_video")["error"])

	c.send(map[string]any{"type": "join"})
	require.Equal(t, "bad_payload", c.result("join")["error"])

	c.send(map[string]any{"type": "reconnect"})
	require.Equal(t, "no_channel", c.result("reconnect")["error"])

	c.send(map[string]any{"type": "teleport"})
	require.Equal(t, "unknown_command", c.next("nack")["error"])

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, "bad_payload", c.next("nack")["error"])
}

func TestJoinRateLimit(t *testing.T) {
	clock := &coretest.ManualClock{}
	ts := newTestServer(t, Options{Limiter: NewJoinLimiter(1, time.Minute, clock)})
	c := ts.dial(t, "u1")

	c.send(map[string]any{"type": "join", "channel": "room-1"})
	require.Equal(t, "ack", c.result("join")["type"])
	c.send(map[string]any{"type": "join", "channel": "room-2"})
	require.Equal(t, "rate_limited", c.result("join")["error"])

	clock.Advance(time.Minute)
	c.send(map[string]any{"type": "join", "channel": "room-2"})
	require.Equal(t, "ack", c.result("join")["type"])
}

func TestLastSocketClosesSession(t *testing.T) {
	ts := newTestServer(t, Options{})
	first := ts.dial(t, "u1")
	first.next("snapshot")
	second := ts.dial(t, "u1")
	second.next("snapshot")
	require.Equal(t, 1, ts.registry.Len())

	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return ts.ctl.Sockets("u1") == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, 1, ts.registry.Len())

	require.NoError(t, second.conn.Close())
	require.Eventually(t, func() bool { return ts.registry.Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestJoinLimiterWindow(t *testing.T) {
	clock := &coretest.ManualClock{}
	rl := NewJoinLimiter(2, 10*time.Second, clock)

	require.True(t, rl.Allow("u1"))
	require.True(t, rl.Allow("u1"))
	require.False(t, rl.Allow("u1"))
	require.True(t, rl.Allow("u2"))

	clock.Advance(10 * time.Second)
	require.True(t, rl.Allow("u1"))

	rl.Forget("u1")
	require.True(t, rl.Allow("u1"))
	require.True(t, NewJoinLimiter(0, time.Second, clock).Allow("u1"))
}
