package core

// Frame is one serialized message for the rendering layer.
type Frame []byte

// SignalConnection is a rendering-layer socket. TrySend never blocks; a full
// buffer is reported as an error. The adapter that accepted it closes it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
