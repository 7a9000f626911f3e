// Package signal is the rendering layer's WebSocket: commands come in as JSON
// frames and the session's downstream events go out the same socket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/session"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Sessions is the registry view the controller needs.
type Sessions interface {
	GetOrCreateUser(id domain.UserID) *domain.User
	User(id domain.UserID) (domain.User, bool)
	UpdateUsername(id domain.UserID, name string) error
	Open(ctx context.Context, user *domain.User) (*session.Connection, error)
	Close(ctx context.Context, id domain.UserID) bool
}

type Options struct {
	ReadLimit   int64
	PingPeriod  time.Duration
	SendBuffer  int
	EventBuffer int
	Limiter     *JoinLimiter
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 * 1024
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Limiter == nil {
		o.Limiter = NewJoinLimiter(5, 10*time.Second, nil)
	}
	return o
}

type SignalWSController struct {
	Sessions Sessions
	opts     Options

	mu    sync.Mutex
	conns map[domain.UserID]int
}

func NewSignalWSController(sessions Sessions, opts Options) *SignalWSController {
	return &SignalWSController{
		Sessions: sessions,
		opts:     opts.withDefaults(),
		conns:    make(map[domain.UserID]int),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one rendering-layer socket attached to a user's session.
type client struct {
	uid  domain.UserID
	sess *session.Connection
	conn *WsSignalConn
	ctx  context.Context
}

func (ctl *SignalWSController) HandleSession(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	user := ctl.Sessions.GetOrCreateUser(uid)
	sess, err := ctl.Sessions.Open(ctx, user)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("open session")
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		ctl.writeNow(ctx, ws, errorFrame("session_unavailable", err.Error()))
		_ = ws.Close()
		return
	}
	ctl.attach(uid)

	ctx, cancel := context.WithCancel(ctx)
	cl := &client{uid: uid, sess: sess, conn: conn, ctx: ctx}
	sub := sess.Subscribe(ctl.opts.EventBuffer)

	ctl.sendJSON(conn, snapshotFrame(sess))

	go ctl.writePump(ctx, conn)
	go ctl.forward(ctx, sub, conn)
	go func() {
		ctl.readPump(cl)
		cancel()
		sub.Close()
		ctl.detach(uid)
	}()
}

func (ctl *SignalWSController) attach(uid domain.UserID) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.conns[uid]++
}

// detach closes the user's session once their last socket is gone.
func (ctl *SignalWSController) detach(uid domain.UserID) {
	ctl.mu.Lock()
	ctl.conns[uid]--
	last := ctl.conns[uid] <= 0
	if last {
		delete(ctl.conns, uid)
	}
	ctl.mu.Unlock()
	if !last {
		return
	}
	ctl.opts.Limiter.Forget(uid)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctl.Sessions.Close(ctx, uid)
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("last socket gone, session closed")
}

// Sockets counts open rendering-layer sockets of a user.
func (ctl *SignalWSController) Sockets(uid domain.UserID) int {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.conns[uid]
}
