// Package session owns one user's call: joining and leaving a channel,
// reconnecting, and turning upstream transport events into a consistent
// participant view published on an event bus.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/devices"
	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/app/quality"
	"github.com/dkeye/callsession/internal/app/recording"
	"github.com/dkeye/callsession/internal/app/roster"
	"github.com/dkeye/callsession/internal/app/share"
	"github.com/dkeye/callsession/internal/app/tiles"
	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

type Config struct {
	Tiles     tiles.RetryPolicy
	Reconnect ReconnectPolicy
	Quality   quality.Thresholds
	// QualityInterval below zero disables stats sampling.
	QualityInterval time.Duration
	// WantAudio and WantVideo select the first capture tier. Both false means both.
	WantAudio bool
	WantVideo bool
}

func DefaultConfig() Config {
	return Config{
		Tiles:           tiles.DefaultRetryPolicy(),
		Reconnect:       DefaultReconnectPolicy(),
		Quality:         quality.DefaultThresholds(),
		QualityInterval: 2 * time.Second,
		WantAudio:       true,
		WantVideo:       true,
	}
}

// Deps are the external collaborators of one Connection.
type Deps struct {
	Transport core.Transport
	Media     core.MediaDevices
	// Surfaces defaults to a table fed by SurfaceReady and SurfaceGone.
	Surfaces core.SurfaceResolver
	Clock    core.Clock
	// Bus is created when nil.
	Bus *events.Bus
}

// Connection is the single owner of a session's state. Upstream events are
// applied one at a time on its loop goroutine; commands may come from any
// goroutine.
type Connection struct {
	user      *domain.User
	cfg       Config
	transport core.Transport
	clock     core.Clock
	bus       *events.Bus
	logger    zerolog.Logger

	devices   *devices.Controller
	roster    *roster.Reconciler
	tiles     *tiles.Registry
	share     *share.Coordinator
	recording *recording.Controller
	quality   *quality.Monitor
	surfaces  *tiles.SurfaceTable

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}

	// lifecycle serializes join and leave bodies. Callers cancel the
	// in-flight operation under mu before waiting on it.
	lifecycle sync.Mutex

	mu              sync.Mutex
	state           domain.ConnectionState
	channel         domain.ChannelID
	joinSeq         uint64
	joinCancel      context.CancelFunc
	reconnectCancel context.CancelFunc
	qualityCancel   context.CancelFunc
	closed          bool

	// owned by the loop goroutine
	ready   bool
	pending []core.Inbound
}

func NewConnection(user *domain.User, cfg Config, deps Deps) *Connection {
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	if !cfg.WantAudio && !cfg.WantVideo {
		cfg.WantAudio, cfg.WantVideo = true, true
	}
	clock := deps.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(events.SimplePolicy{})
	}
	var table *tiles.SurfaceTable
	if deps.Surfaces == nil {
		table = tiles.NewSurfaceTable()
		deps.Surfaces = table
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		user:      user,
		cfg:       cfg,
		transport: deps.Transport,
		clock:     clock,
		bus:       bus,
		logger:    log.With().Str("module", "session").Str("user", string(user.ID)).Logger(),
		devices:   devices.NewController(deps.Media),
		roster:    roster.New(),
		tiles:     tiles.NewRegistry(deps.Transport, deps.Surfaces, cfg.Tiles, clock),
		share:     share.NewCoordinator(deps.Transport, bus),
		recording: recording.NewController(deps.Transport, bus),
		quality:   quality.NewMonitor(deps.Transport, bus, cfg.Quality, cfg.QualityInterval, clock),
		surfaces:  table,
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
		state:     domain.StateDisconnected,
	}
	go c.loop()
	return c
}

func (c *Connection) loop() {
	defer close(c.done)
	inbound := c.transport.Inbound()
	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			op()
		case ev, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.handle(ev)
		}
	}
}

// post runs fn on the loop goroutine. It reports false once the loop has stopped.
func (c *Connection) post(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.done:
		return false
	}
}

// await runs fn on the loop and waits for it, or runs it inline if the loop is gone.
func (c *Connection) await(fn func()) {
	finished := make(chan struct{})
	if !c.post(func() { fn(); close(finished) }) {
		fn()
		return
	}
	select {
	case <-finished:
	case <-c.done:
	}
}

func (c *Connection) User() *domain.User { return c.user }

func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Channel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// setStateLocked publishes a ConnectionState event when the state changes.
func (c *Connection) setStateLocked(st domain.ConnectionState) {
	if c.state == st {
		return
	}
	c.logger.Info().Str("channel", string(c.channel)).Str("from", string(c.state)).Str("to", string(st)).Msg("connection state")
	c.state = st
	c.bus.Publish(events.ConnectionState{State: st, Channel: c.channel})
}

// Subscribe returns an ordered stream of this session's events.
func (c *Connection) Subscribe(buffer int) *events.Subscription {
	return c.bus.Subscribe(buffer)
}

// Snapshot is an immutable view of the session for the rendering layer.
type Snapshot struct {
	Channel      domain.ChannelID        `json:"channel,omitempty"`
	State        domain.ConnectionState  `json:"state"`
	Capability   domain.DeviceCapability `json:"capability"`
	Local        domain.Participant      `json:"local"`
	Participants []domain.Participant    `json:"participants"`
	Tiles        []domain.VideoTile      `json:"tiles"`
	BoundTiles   []domain.TileID         `json:"boundTiles"`
	Sharers      []domain.AttendeeID     `json:"sharers"`
	Recording    bool                    `json:"recording"`
	Quality      domain.Quality          `json:"quality,omitempty"`
}

func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	st, ch := c.state, c.channel
	c.mu.Unlock()
	capability, _ := c.devices.Capability()
	return Snapshot{
		Channel:      ch,
		State:        st,
		Capability:   capability,
		Local:        c.roster.Local(),
		Participants: c.roster.Snapshot(),
		Tiles:        c.roster.Tiles(),
		BoundTiles:   c.tiles.Active(),
		Sharers:      c.share.Sharers(),
		Recording:    c.recording.Active(),
		Quality:      c.quality.Current(),
	}
}

// HeldTracks is the number of local tracks still capturing.
func (c *Connection) HeldTracks() int { return c.devices.HeldTracks() }

// BoundTiles lists tiles with a completed surface binding.
func (c *Connection) BoundTiles() []domain.TileID { return c.tiles.Active() }

// Close leaves the channel, stops the loop and closes every subscription.
func (c *Connection) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Leave(ctx)
	c.cancel()
	<-c.done
	c.tiles.Close()
	if cl, ok := c.transport.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("transport close")
		}
	}
	c.bus.Close()
	c.logger.Info().Msg("session closed")
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
