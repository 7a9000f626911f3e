package domain

import "fmt"

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// Live reports whether the session is attached to a channel or about to be.
func (s ConnectionState) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

type ConnectionErrorKind string

const (
	ConnAuthFailed       ConnectionErrorKind = "auth_failed"
	ConnJoinFailed       ConnectionErrorKind = "join_failed"
	ConnNetworkError     ConnectionErrorKind = "network_error"
	ConnNoMediaAvailable ConnectionErrorKind = "no_media_available"
	ConnUnknown          ConnectionErrorKind = "unknown"
)

type RecoveryAction string

const (
	RecoveryNone           RecoveryAction = "none"
	RecoveryReauthenticate RecoveryAction = "reauthenticate"
	RecoveryReconnect      RecoveryAction = "reconnect"
	RecoveryRetryDevices   RecoveryAction = "retry_devices"
)

// Recovery is the action suggested to the consumer for the kind.
func (k ConnectionErrorKind) Recovery() RecoveryAction {
	switch k {
	case ConnAuthFailed:
		return RecoveryReauthenticate
	case ConnJoinFailed, ConnNetworkError:
		return RecoveryReconnect
	case ConnNoMediaAvailable:
		return RecoveryRetryDevices
	default:
		return RecoveryNone
	}
}

// ConnectionError is a classified join or transport failure.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection: %s", e.Kind)
	}
	return fmt.Sprintf("connection: %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Credentials are returned by the transport after a successful join.
type Credentials struct {
	AttendeeID AttendeeID `json:"attendeeId"`
	MeetingID  string     `json:"meetingId"`
	Token      string     `json:"token"`
}
