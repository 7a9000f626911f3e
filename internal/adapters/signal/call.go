package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/domain"
)

var errRateLimited = errors.New("too many join attempts")

// Joins run off the read loop so a leave on the same socket can abort them.
func (ctl *SignalWSController) handleJoin(cl *client, data []byte) {
	var p struct {
		Channel domain.ChannelID `json:"channel"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Channel == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.reply(cl, "join", errBadPayload)
		return
	}
	if !ctl.opts.Limiter.Allow(cl.uid) {
		log.Warn().Str("module", "signal").Str("user", string(cl.uid)).Msg("join rate limited")
		ctl.reply(cl, "join", errRateLimited)
		return
	}

	log.Info().Str("module", "signal").Str("user", string(cl.uid)).Str("channel", string(p.Channel)).Msg("join")
	go func() {
		ctl.reply(cl, "join", cl.sess.Join(cl.ctx, p.Channel))
	}()
}

func (ctl *SignalWSController) handleLeave(cl *client) {
	log.Info().Str("module", "signal").Str("user", string(cl.uid)).Msg("leave")
	go func() {
		cl.sess.Leave(cl.ctx)
		ctl.reply(cl, "leave", nil)
	}()
}

func (ctl *SignalWSController) handleReconnect(cl *client) {
	if !ctl.opts.Limiter.Allow(cl.uid) {
		ctl.reply(cl, "reconnect", errRateLimited)
		return
	}
	go func() {
		ctl.reply(cl, "reconnect", cl.sess.Reconnect(cl.ctx))
	}()
}
