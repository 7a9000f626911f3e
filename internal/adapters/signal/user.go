package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/domain"
)

func (ctl *SignalWSController) handleRename(cl *client, data []byte) {
	type renamePayload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p renamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.reply(cl, "rename", errBadPayload)
		return
	}
	if err := ctl.Sessions.UpdateUsername(cl.uid, p.Name); err != nil {
		ctl.sendJSON(cl.conn, frame{Type: "nack", Command: "rename", Error: "invalid_name", Message: err.Error()})
		return
	}
	log.Info().Str("module", "signal").Str("user", string(cl.uid)).Str("name", p.Name).Msg("rename")
	ctl.handleWhoAmI(cl)
}

func (ctl *SignalWSController) handleWhoAmI(cl *client) {
	user, _ := ctl.Sessions.User(cl.uid)

	resp := struct {
		Type     string                 `json:"type"`
		ID       domain.UserID          `json:"id"`
		Username string                 `json:"username"`
		Channel  domain.ChannelID       `json:"channel,omitempty"`
		State    domain.ConnectionState `json:"state"`
	}{
		Type:     "whoami",
		ID:       cl.uid,
		Username: user.Username,
		Channel:  cl.sess.Channel(),
		State:    cl.sess.State(),
	}
	ctl.sendJSON(cl.conn, resp)
}
