package session

import "errors"

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrJoinAborted    = errors.New("join superseded or cancelled")
	ErrNoChannel      = errors.New("no channel to reconnect to")
	ErrClosed         = errors.New("session closed")
	ErrNoCapture      = errors.New("no local capture for this media kind")
	ErrUnknownSpeaker = errors.New("unknown speaker device")
)
