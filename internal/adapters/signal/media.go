package signal

import (
	"encoding/json"

	"github.com/dkeye/callsession/internal/domain"
)

func (ctl *SignalWSController) handleToggle(cl *client, cmd string, data []byte) {
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Enabled == nil {
		ctl.reply(cl, cmd, errBadPayload)
		return
	}
	var err error
	if cmd == "toggle_audio" {
		err = cl.sess.ToggleAudio(cl.ctx, *p.Enabled)
	} else {
		err = cl.sess.ToggleVideo(cl.ctx, *p.Enabled)
	}
	ctl.reply(cl, cmd, err)
}

// A start waits on the platform picker, so it runs off the read loop and a
// stop_share or leave on the same socket can abort it.
func (ctl *SignalWSController) handleShare(cl *client, cmd string) {
	if cmd == "start_share" {
		go func() {
			ctl.reply(cl, cmd, cl.sess.StartScreenShare(cl.ctx))
		}()
		return
	}
	ctl.reply(cl, cmd, cl.sess.StopScreenShare(cl.ctx))
}

func (ctl *SignalWSController) handleStartRecording(cl *client, data []byte) {
	var p struct {
		Options domain.RecordingOptions `json:"options"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.reply(cl, "start_recording", errBadPayload)
		return
	}
	ctl.reply(cl, "start_recording", cl.sess.StartRecording(cl.ctx, p.Options))
}

func (ctl *SignalWSController) handleStopRecording(cl *client) {
	ctl.reply(cl, "stop_recording", cl.sess.StopRecording(cl.ctx))
}

func (ctl *SignalWSController) handleSwitch(cl *client, cmd string, data []byte) {
	var p struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" {
		ctl.reply(cl, cmd, errBadPayload)
		return
	}
	var err error
	switch cmd {
	case "switch_microphone":
		err = cl.sess.SwitchMicrophone(cl.ctx, p.DeviceID)
	case "switch_camera":
		err = cl.sess.SwitchCamera(cl.ctx, p.DeviceID)
	default:
		err = cl.sess.SwitchSpeaker(cl.ctx, p.DeviceID)
	}
	ctl.reply(cl, cmd, err)
}

func (ctl *SignalWSController) handleRetryDevices(cl *client) {
	capability, err := cl.sess.RetryDevices(cl.ctx)
	if err != nil {
		ctl.reply(cl, "retry_devices", err)
		return
	}
	ctl.sendJSON(cl.conn, ackFrame("retry_devices", capability))
}
