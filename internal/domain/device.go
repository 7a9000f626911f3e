package domain

import "fmt"

// DeviceCapability is what local capture granted for the session.
type DeviceCapability struct {
	AudioGranted bool `json:"audioGranted"`
	VideoGranted bool `json:"videoGranted"`
}

// Any reports whether at least one media kind is available to join with.
func (c DeviceCapability) Any() bool {
	return c.AudioGranted || c.VideoGranted
}

type MediaKind string

const (
	KindAudio   MediaKind = "audio"
	KindVideo   MediaKind = "video"
	KindSpeaker MediaKind = "speaker"
)

type PermissionErrorKind string

const (
	PermissionDenied                   PermissionErrorKind = "denied"
	PermissionDeviceNotFound           PermissionErrorKind = "device_not_found"
	PermissionDeviceBusy               PermissionErrorKind = "device_busy"
	PermissionConstraintsUnsatisfiable PermissionErrorKind = "constraints_unsatisfiable"
	PermissionInsecureContext          PermissionErrorKind = "insecure_context"
	PermissionUnknown                  PermissionErrorKind = "unknown"
)

var permissionGuidance = map[PermissionErrorKind]string{
	PermissionDenied:                   "Camera and microphone access was denied. Allow access in your browser or system settings and try again.",
	PermissionDeviceNotFound:           "No camera or microphone was found. Connect a device and try again.",
	PermissionDeviceBusy:               "Your camera or microphone is in use by another application. Close it and try again.",
	PermissionConstraintsUnsatisfiable: "Your device does not support the requested media settings.",
	PermissionInsecureContext:          "Media devices require a secure (HTTPS) connection.",
	PermissionUnknown:                  "Could not access your camera or microphone.",
}

// Guidance is the fixed user-facing text for the kind.
func (k PermissionErrorKind) Guidance() string {
	if g, ok := permissionGuidance[k]; ok {
		return g
	}
	return permissionGuidance[PermissionUnknown]
}

// Retryable reports whether offering the user a retry can change the outcome
// without them leaving the app.
func (k PermissionErrorKind) Retryable() bool {
	switch k {
	case PermissionDenied, PermissionDeviceNotFound, PermissionDeviceBusy, PermissionUnknown:
		return true
	default:
		return false
	}
}

// PermissionError is a classified capture failure.
type PermissionError struct {
	Kind PermissionErrorKind
	Err  error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture: %s", e.Kind)
	}
	return fmt.Sprintf("capture: %s: %v", e.Kind, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }
