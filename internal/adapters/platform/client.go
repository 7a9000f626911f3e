// Package platform connects a session to the external media platform:
// a JSON control socket for joins, commands and pushed events, and a pion
// peer connection carrying the local tracks.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

var (
	ErrNotJoined    = errors.New("platform: not joined")
	ErrLinkClosed   = errors.New("platform: control socket closed")
	ErrClientClosed = errors.New("platform: client closed")
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 1 << 20
	inboundBuffer  = 256
	sendBuffer     = 32
)

type Options struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	WebRTC         webrtc.Configuration
	Dialer         *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// localTrack is satisfied by capture tracks that can be sent over a peer.
type localTrack interface {
	Local() *webrtc.TrackLocalStaticRTP
}

// Client is a core.Transport for one user. Every Join dials a fresh control
// socket; the inbound channel outlives the sockets.
type Client struct {
	opts    Options
	inbound chan core.Inbound
	done    chan struct{}

	mu     sync.Mutex
	link   *link
	peer   *Peer
	user   domain.UserID
	closed bool
}

var _ core.Transport = (*Client)(nil)

func NewClient(opts Options) *Client {
	return &Client{
		opts:    opts.withDefaults(),
		inbound: make(chan core.Inbound, inboundBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Client) Inbound() <-chan core.Inbound { return c.inbound }

func (c *Client) Join(ctx context.Context, channel domain.ChannelID, user domain.UserID) (*domain.Credentials, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &domain.ConnectionError{Kind: domain.ConnUnknown, Err: ErrClientClosed}
	}
	old, oldPeer := c.detachLocked()
	c.user = user
	c.mu.Unlock()
	shutdown(old, oldPeer)

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, _, err := c.opts.Dialer.DialContext(dctx, c.opts.URL, nil)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.ConnectionError{Kind: domain.ConnNetworkError, Err: fmt.Errorf("dial %s: %w", c.opts.URL, err)}
	}

	l := newLink(conn)
	go l.writeLoop()
	go c.readLoop(l)

	raw, err := l.request(ctx, TypeJoin, JoinRequest{Channel: channel, User: user})
	if err != nil {
		l.close()
		return nil, classify(ctx, err)
	}
	var creds domain.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		l.close()
		return nil, &domain.ConnectionError{Kind: domain.ConnJoinFailed, Err: fmt.Errorf("decode credentials: %w", err)}
	}

	peer, err := NewPeer(c.opts.WebRTC, user)
	if err != nil {
		l.close()
		return nil, &domain.ConnectionError{Kind: domain.ConnUnknown, Err: fmt.Errorf("new peer: %w", err)}
	}
	peer.Start(func() { c.peerFailed(l) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		shutdown(l, peer)
		return nil, &domain.ConnectionError{Kind: domain.ConnUnknown, Err: ErrClientClosed}
	}
	c.link, c.peer = l, peer
	c.mu.Unlock()

	log.Info().
		Str("module", "platform").
		Str("user", string(user)).
		Str("channel", string(channel)).
		Str("attendee", string(creds.AttendeeID)).
		Msg("joined")
	return &creds, nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	l, peer := c.detachLocked()
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	_, err := l.request(ctx, TypeLeave, nil)
	shutdown(l, peer)
	return err
}

// Close leaves any joined channel and stops event delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	err := c.Leave(ctx)
	close(c.done)
	return err
}

func (c *Client) detachLocked() (*link, *Peer) {
	l, p := c.link, c.peer
	c.link, c.peer = nil, nil
	return l, p
}

func shutdown(l *link, p *Peer) {
	if p != nil {
		p.Close()
	}
	if l != nil {
		l.close()
	}
}

func (c *Client) active() (*link, *Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil, nil, ErrNotJoined
	}
	return c.link, c.peer, nil
}

func (c *Client) call(ctx context.Context, typ string, v any) error {
	l, _, err := c.active()
	if err != nil {
		return err
	}
	_, err = l.request(ctx, typ, v)
	return err
}

func (c *Client) Publish(ctx context.Context, tracks []core.Track) error {
	l, peer, err := c.active()
	if err != nil {
		return err
	}

	locals := make([]*webrtc.TrackLocalStaticRTP, 0, len(tracks))
	for _, t := range tracks {
		lt, ok := t.(localTrack)
		if !ok {
			log.Warn().Str("module", "platform").Str("track", t.ID()).Msg("track has no RTP source, not published")
			continue
		}
		locals = append(locals, lt.Local())
	}

	changed, err := peer.SetTracks(locals)
	if err != nil {
		return fmt.Errorf("set tracks: %w", err)
	}
	if !changed {
		return nil
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	raw, err := l.request(ctx, TypeOffer, SessionDescription{Type: offer.Type.String(), SDP: offer.SDP})
	if err != nil {
		return err
	}
	var answer SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := peer.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	return nil
}

func (c *Client) SetLocalAudio(ctx context.Context, enabled bool) error {
	return c.call(ctx, TypeSetAudio, Toggle{Enabled: enabled})
}

func (c *Client) SetLocalVideo(ctx context.Context, enabled bool) error {
	return c.call(ctx, TypeSetVideo, Toggle{Enabled: enabled})
}

func (c *Client) ChooseDevice(ctx context.Context, kind domain.MediaKind, deviceID string) error {
	return c.call(ctx, TypeChooseDevice, DeviceChoice{Kind: kind, DeviceID: deviceID})
}

func (c *Client) BindVideoTile(tileID domain.TileID, surface core.SurfaceHandle) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	return c.call(ctx, TypeBindTile, TileBinding{TileID: tileID, Surface: surface})
}

func (c *Client) UnbindVideoTile(tileID domain.TileID) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	err := c.call(ctx, TypeUnbindTile, TileBinding{TileID: tileID})
	if errors.Is(err, ErrNotJoined) {
		return nil
	}
	return err
}

func (c *Client) StartContentShare(ctx context.Context) error {
	err := c.call(ctx, TypeStartShare, nil)
	var werr *WireError
	if errors.As(err, &werr) && werr.Kind == KindCancelled {
		return core.ErrShareCancelled
	}
	return err
}

func (c *Client) StopContentShare(ctx context.Context) error {
	return c.call(ctx, TypeStopShare, nil)
}

func (c *Client) StartRecording(ctx context.Context, opts domain.RecordingOptions) error {
	return c.call(ctx, TypeStartRecording, opts)
}

func (c *Client) StopRecording(ctx context.Context) error {
	return c.call(ctx, TypeStopRecording, nil)
}

func (c *Client) Stats(context.Context) (domain.NetworkStats, error) {
	_, peer, err := c.active()
	if err != nil {
		return domain.NetworkStats{}, err
	}
	return peer.Stats(), nil
}

func (c *Client) readLoop(l *link) {
	defer l.close()
	for {
		var env Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			l.fail(err)
			c.lost(l, err)
			return
		}

		switch env.Type {
		case TypeReply:
			l.resolve(env)
		case TypeCandidate:
			c.addCandidate(l, env.Data)
		default:
			in, ok, err := decodePush(env)
			if err != nil {
				log.Warn().Err(err).Str("module", "platform").Str("type", env.Type).Msg("bad push")
				continue
			}
			if !ok {
				log.Debug().Str("module", "platform").Str("type", env.Type).Msg("unknown push")
				continue
			}
			c.deliver(in, l.stop)
		}
	}
}

func (c *Client) addCandidate(l *link, data json.RawMessage) {
	c.mu.Lock()
	peer := c.peer
	current := c.link == l
	c.mu.Unlock()
	if !current || peer == nil {
		return
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &ci); err != nil {
		log.Warn().Err(err).Str("module", "platform").Msg("bad candidate")
		return
	}
	if err := peer.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "platform").Msg("add candidate")
	}
}

func (c *Client) deliver(in core.Inbound, stop <-chan struct{}) {
	select {
	case c.inbound <- in:
	case <-stop:
	case <-c.done:
	}
}

// lost reports an unexpected socket loss of the current link as a network error.
func (c *Client) lost(l *link, err error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	_, peer := c.detachLocked()
	user := c.user
	c.mu.Unlock()
	if peer != nil {
		peer.Close()
	}

	log.Warn().Err(err).Str("module", "platform").Str("user", string(user)).Msg("control socket lost")
	c.deliver(core.TransportFailed{Err: &domain.ConnectionError{Kind: domain.ConnNetworkError, Err: err}}, c.done)
}

func (c *Client) peerFailed(l *link) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	_, peer := c.detachLocked()
	c.mu.Unlock()
	shutdown(l, peer)
	c.deliver(core.TransportFailed{Err: &domain.ConnectionError{
		Kind: domain.ConnNetworkError,
		Err:  errors.New("media peer connection failed"),
	}}, c.done)
}

// classify maps a request failure onto a connection error kind.
// Caller cancellation is returned as is.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var werr *WireError
	if errors.As(err, &werr) {
		return &domain.ConnectionError{Kind: connectionKind(werr.Kind), Err: werr}
	}
	return &domain.ConnectionError{Kind: domain.ConnNetworkError, Err: err}
}

// link is one control socket with its pending requests.
type link struct {
	conn *websocket.Conn
	send chan Envelope
	stop chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending map[string]chan Envelope
	err     error
}

func newLink(conn *websocket.Conn) *link {
	conn.SetReadLimit(maxMessageSize)
	return &link{
		conn:    conn,
		send:    make(chan Envelope, sendBuffer),
		stop:    make(chan struct{}),
		pending: make(map[string]chan Envelope),
	}
}

func (l *link) request(ctx context.Context, typ string, v any) (json.RawMessage, error) {
	env := Envelope{ID: uuid.NewString(), Type: typ}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
		env.Data = data
	}

	reply := make(chan Envelope, 1)
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	l.pending[env.ID] = reply
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, env.ID)
		l.mu.Unlock()
	}()

	select {
	case l.send <- env:
	case <-l.stop:
		return nil, l.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.Error != nil {
			return nil, r.Error
		}
		return r.Data, nil
	case <-l.stop:
		return nil, l.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *link) resolve(env Envelope) {
	l.mu.Lock()
	ch, ok := l.pending[env.ID]
	l.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "platform").Str("id", env.ID).Msg("reply without request")
		return
	}
	select {
	case ch <- env:
	default:
		log.Debug().Str("module", "platform").Str("id", env.ID).Msg("duplicate reply")
	}
}

func (l *link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return ErrLinkClosed
	}
	return l.err
}

func (l *link) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	l.mu.Unlock()
	l.close()
}

func (l *link) close() {
	l.once.Do(func() {
		l.mu.Lock()
		if l.err == nil {
			l.err = ErrLinkClosed
		}
		l.mu.Unlock()
		close(l.stop)
		_ = l.conn.Close()
	})
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.stop:
			return
		case env := <-l.send:
			if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				l.fail(err)
				return
			}
			if err := l.conn.WriteJSON(env); err != nil {
				log.Error().Err(err).Str("module", "platform").Str("type", env.Type).Msg("write error")
				l.fail(err)
				return
			}
		}
	}
}
