package signal

import (
	"encoding/json"

	"github.com/dkeye/callsession/internal/core"
	"github.com/dkeye/callsession/internal/domain"
)

type tilePayload struct {
	TileID  *domain.TileID     `json:"tileId"`
	Surface core.SurfaceHandle `json:"surface"`
}

// Binding is asynchronous; the ack only means the request was accepted.
func (ctl *SignalWSController) handleBindTile(cl *client, data []byte) {
	var p tilePayload
	if err := json.Unmarshal(data, &p); err != nil || p.TileID == nil || p.Surface == "" {
		ctl.reply(cl, "bind_tile", errBadPayload)
		return
	}
	cl.sess.BindVideoElement(*p.TileID, p.Surface)
	ctl.reply(cl, "bind_tile", nil)
}

func (ctl *SignalWSController) handleUnbindTile(cl *client, data []byte) {
	var p tilePayload
	if err := json.Unmarshal(data, &p); err != nil || p.TileID == nil {
		ctl.reply(cl, "unbind_tile", errBadPayload)
		return
	}
	cl.sess.UnbindVideoElement(*p.TileID)
	ctl.reply(cl, "unbind_tile", nil)
}

func (ctl *SignalWSController) handleSurface(cl *client, cmd string, data []byte) {
	var p tilePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Surface == "" {
		ctl.reply(cl, cmd, errBadPayload)
		return
	}
	if cmd == "surface_ready" {
		cl.sess.SurfaceReady(p.Surface)
	} else {
		cl.sess.SurfaceGone(p.Surface)
	}
	ctl.reply(cl, cmd, nil)
}
