package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsession/internal/app/events"
	"github.com/dkeye/callsession/internal/app/session"
	"github.com/dkeye/callsession/internal/app/share"
	"github.com/dkeye/callsession/internal/domain"
)

const writeWait = 5 * time.Second

// frame is everything the controller writes. Events use Type=event kind and
// Data=event; command results use "ack" and "nack".
type frame struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ackFrame(cmd string, data any) frame {
	return frame{Type: "ack", Command: cmd, Data: data}
}

func nackFrame(cmd string, err error) frame {
	return frame{Type: "nack", Command: cmd, Error: errorCode(err), Message: err.Error()}
}

func errorFrame(code, msg string) frame {
	return frame{Type: "nack", Error: code, Message: msg}
}

func eventFrame(ev events.Event) frame {
	return frame{Type: string(ev.Kind()), Data: ev}
}

func snapshotFrame(sess *session.Connection) frame {
	return frame{Type: "snapshot", Data: sess.Snapshot()}
}

var errBadPayload = errors.New("bad payload")

func errorCode(err error) string {
	var (
		perr *domain.PermissionError
		cerr *domain.ConnectionError
	)
	switch {
	case errors.Is(err, errBadPayload):
		return "bad_payload"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, session.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, session.ErrNoCapture):
		return "no_capture"
	case errors.Is(err, session.ErrUnknownSpeaker):
		return "unknown_device"
	case errors.Is(err, session.ErrNoChannel):
		return "no_channel"
	case errors.Is(err, session.ErrJoinAborted):
		return "join_aborted"
	case errors.Is(err, share.ErrShareAborted):
		return "share_aborted"
	case errors.As(err, &perr):
		return string(perr.Kind)
	case errors.As(err, &cerr):
		return string(cerr.Kind)
	default:
		return "failed"
	}
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(cl.uid)).Msg("readPump closing")
		cl.conn.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.conn.SetPongHandler(func(string) error {
		return cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-cl.ctx.Done():
			log.Info().Str("module", "signal").Str("user", string(cl.uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("user", string(cl.uid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(cl, data)
		}
	}
}

// forward relays the session's events until the subscription ends.
func (ctl *SignalWSController) forward(ctx context.Context, sub *events.Subscription, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			ctl.sendJSON(c, eventFrame(ev))
		}
	}
}

func (ctl *SignalWSController) handleSignal(cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(cl.conn, errorFrame("bad_payload", "frame is not JSON"))
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(cl, data)
	case "leave":
		ctl.handleLeave(cl)
	case "reconnect":
		ctl.handleReconnect(cl)
	case "toggle_audio", "toggle_video":
		ctl.handleToggle(cl, env.Type, data)
	case "start_share", "stop_share":
		ctl.handleShare(cl, env.Type)
	case "start_recording":
		ctl.handleStartRecording(cl, data)
	case "stop_recording":
		ctl.handleStopRecording(cl)
	case "switch_microphone", "switch_camera", "switch_speaker":
		ctl.handleSwitch(cl, env.Type, data)
	case "retry_devices":
		ctl.handleRetryDevices(cl)
	case "bind_tile":
		ctl.handleBindTile(cl, data)
	case "unbind_tile":
		ctl.handleUnbindTile(cl, data)
	case "surface_ready", "surface_gone":
		ctl.handleSurface(cl, env.Type, data)
	case "snapshot":
		ctl.sendJSON(cl.conn, snapshotFrame(cl.sess))
	case "ping":
		ctl.sendJSON(cl.conn, frame{Type: "pong"})
	case "rename":
		ctl.handleRename(cl, data)
	case "whoami":
		ctl.handleWhoAmI(cl)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(cl.conn, errorFrame("unknown_command", env.Type))
	}
}

// reply acks cmd or reports its error.
func (ctl *SignalWSController) reply(cl *client, cmd string, err error) {
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("user", string(cl.uid)).Str("command", cmd).Msg("command failed")
		ctl.sendJSON(cl.conn, nackFrame(cmd, err))
		return
	}
	ctl.sendJSON(cl.conn, ackFrame(cmd, nil))
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		log.Warn().Str("module", "signal").Msg("send buffer full, frame dropped")
	}
}

// writeNow writes synchronously on a socket whose pumps never started.
func (ctl *SignalWSController) writeNow(ctx context.Context, ws *websocket.Conn, v any) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(v); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("writeNow")
	}
}
