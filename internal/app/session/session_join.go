package session

import (
	"context"
	"errors"

	"github.com/dkeye/callsession/internal/app/devices"
	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/domain"
)

// Join enters channel. Joining another channel while live leaves the current
// one first. A join still settling is cancelled and reports ErrJoinAborted.
func (c *Connection) Join(ctx context.Context, channel domain.ChannelID) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	switching := c.state.Live() && c.channel != "" && c.channel != channel
	c.mu.Unlock()
	if switching {
		c.Leave(ctx)
	}
	c.stopReconnect()
	return c.join(ctx, channel, domain.StateConnecting, true)
}

// Reconnect rejoins the last channel through the same join routine.
func (c *Connection) Reconnect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	channel := c.channel
	st := domain.StateConnecting
	if c.state == domain.StateConnected || c.state == domain.StateReconnecting {
		st = domain.StateReconnecting
	}
	c.mu.Unlock()
	if channel == "" {
		return ErrNoChannel
	}
	c.stopReconnect()
	return c.join(ctx, channel, st, true)
}

// join acquires capture, joins the transport and marks the session ready.
// With terminal set, a failure moves the session to Failed.
func (c *Connection) join(ctx context.Context, channel domain.ChannelID, st domain.ConnectionState, terminal bool) error {
	c.mu.Lock()
	if c.joinCancel != nil {
		c.joinCancel()
	}
	c.joinSeq++
	seq := c.joinSeq
	joinCtx, cancel := context.WithCancel(ctx)
	c.joinCancel = cancel
	c.channel = channel
	c.setStateLocked(st)
	c.mu.Unlock()
	defer cancel()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.current(seq) {
		return ErrJoinAborted
	}
	logger := c.logger.With().Str("channel", string(channel)).Uint64("seq", seq).Logger()

	capability, err := c.devices.Acquire(joinCtx, c.cfg.WantAudio, c.cfg.WantVideo)
	if !c.current(seq) {
		return ErrJoinAborted
	}
	var perr *domain.PermissionError
	if errors.As(err, &perr) {
		c.bus.Publish(events.PermissionFailure(perr))
	}
	if !capability.Any() {
		cerr := &domain.ConnectionError{Kind: domain.ConnNoMediaAvailable, Err: err}
		logger.Warn().Err(err).Msg("no local media, not contacting transport")
		c.failLocked(seq, cerr)
		return cerr
	}
	c.bus.Publish(events.Stream{Capability: capability, TrackIDs: trackIDs(c.devices)})

	creds, err := c.transport.Join(joinCtx, channel, c.user.ID)
	if !c.current(seq) {
		return ErrJoinAborted
	}
	if err != nil {
		cerr := asConnectionError(err)
		logger.Warn().Err(err).Str("kind", string(cerr.Kind)).Msg("join failed")
		if terminal {
			c.failLocked(seq, cerr)
		}
		return cerr
	}

	c.roster.SetLocal(creds.AttendeeID, c.user)
	c.share.SetLocal(creds.AttendeeID)
	if err := c.transport.Publish(joinCtx, c.devices.Tracks()); err != nil {
		logger.Warn().Err(err).Msg("publish local tracks failed")
	}
	local := c.roster.SetLocalMedia(func(ms *domain.MediaState) {
		ms.Muted = !capability.AudioGranted
		ms.Video = capability.VideoGranted
	})

	c.mu.Lock()
	if c.joinSeq != seq {
		c.mu.Unlock()
		return ErrJoinAborted
	}
	c.joinCancel = nil
	c.setStateLocked(domain.StateConnected)
	c.startQualityLocked()
	c.mu.Unlock()

	c.bus.Publish(events.MediaState{AttendeeID: local.ID, IsLocal: true, State: local.MediaState})
	c.post(func() {
		if !c.current(seq) {
			return
		}
		c.ready = true
		c.flush()
	})
	logger.Info().Str("attendee", string(creds.AttendeeID)).Msg("joined")
	return nil
}

func (c *Connection) current(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinSeq == seq
}

func asConnectionError(err error) *domain.ConnectionError {
	var cerr *domain.ConnectionError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &domain.ConnectionError{Kind: domain.ConnJoinFailed, Err: err}
}

func trackIDs(d *devices.Controller) []string {
	tracks := d.Tracks()
	ids := make([]string, 0, len(tracks))
	for _, t := range tracks {
		ids = append(ids, t.ID())
	}
	return ids
}

// Leave never fails. It aborts a pending join, stops share and recording,
// leaves the transport, unbinds every tile and releases capture.
func (c *Connection) Leave(ctx context.Context) {
	c.stopReconnect()

	c.mu.Lock()
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	c.joinSeq++
	wasLive := c.state != domain.StateDisconnected
	c.stopQualityLocked()
	c.setStateLocked(domain.StateDisconnected)
	c.mu.Unlock()

	// Aborts a share start still waiting on the picker.
	if err := c.share.StopLocalShare(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("stop share on leave")
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if err := c.recording.Stop(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("stop recording on leave")
	}
	if wasLive {
		if err := c.transport.Leave(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("transport leave failed, ignoring")
		}
	}
	c.teardown()
	c.logger.Info().Msg("left")
}

// fail moves the session to Failed unless seq was superseded.
func (c *Connection) fail(seq uint64, cerr *domain.ConnectionError) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.failLocked(seq, cerr)
}

func (c *Connection) failLocked(seq uint64, cerr *domain.ConnectionError) {
	c.mu.Lock()
	if c.joinSeq != seq {
		c.mu.Unlock()
		return
	}
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.joinSeq++
	wasConnected := c.state == domain.StateConnected || c.state == domain.StateReconnecting
	c.stopQualityLocked()
	c.setStateLocked(domain.StateFailed)
	c.mu.Unlock()

	c.bus.Publish(events.ConnectionFailure(cerr))
	if wasConnected {
		if err := c.transport.Leave(context.Background()); err != nil {
			c.logger.Debug().Err(err).Msg("transport leave after failure")
		}
	}
	c.recording.Reset()
	c.teardown()
	c.logger.Warn().Err(cerr).Str("recovery", string(cerr.Kind.Recovery())).Msg("session failed")
}

// teardown drops every resource tied to the call. Must not run on the loop.
func (c *Connection) teardown() {
	c.tiles.UnbindAll()
	c.devices.Release()
	c.share.Reset()
	c.quality.Reset()
	c.await(func() {
		c.ready = false
		c.pending = nil
		c.roster.Reset()
	})
}

func (c *Connection) startQualityLocked() {
	if c.qualityCancel != nil || c.cfg.QualityInterval < 0 {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.qualityCancel = cancel
	go c.quality.Run(ctx)
}

func (c *Connection) stopQualityLocked() {
	if c.qualityCancel != nil {
		c.qualityCancel()
		c.qualityCancel = nil
	}
}

// startReconnect runs automatic reconnection after a network error.
func (c *Connection) startReconnect(cause *domain.ConnectionError) {
	c.mu.Lock()
	if c.reconnectCancel != nil {
		c.reconnectCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.reconnectCancel = cancel
	channel := c.channel
	c.setStateLocked(domain.StateReconnecting)
	c.mu.Unlock()

	go c.reconnectLoop(ctx, channel, cause)
}

func (c *Connection) stopReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
}

func (c *Connection) reconnectLoop(ctx context.Context, channel domain.ChannelID, cause *domain.ConnectionError) {
	policy := c.cfg.Reconnect
	logger := c.logger.With().Str("channel", string(channel)).Logger()
	last := cause
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		wait := policy.Backoff(attempt)
		logger.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}

		err := c.join(ctx, channel, domain.StateReconnecting, false)
		if err == nil {
			return
		}
		if errors.Is(err, ErrJoinAborted) || ctx.Err() != nil {
			return
		}
		last = asConnectionError(err)
		if last.Kind != domain.ConnNetworkError && last.Kind != domain.ConnJoinFailed {
			break
		}
	}

	c.mu.Lock()
	seq := c.joinSeq
	stale := ctx.Err() != nil
	c.mu.Unlock()
	if stale {
		return
	}
	logger.Warn().Err(last).Msg("reconnect gave up")
	c.fail(seq, last)
}
