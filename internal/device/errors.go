package device

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNoTrack       = errors.New("no local track")
	ErrNoSession     = errors.New("no active call")
)

// MediaError is returned by a Platform when a media request fails. Name uses
// the standard media error names (NotAllowedError, NotFoundError, ...).
type MediaError struct {
	Name string
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return e.Name
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// PermissionError explains why local media could not be acquired.
type PermissionError struct {
	Name    string
	Message string
	Err     error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("device access failed (%s): %s", e.Name, e.Message)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func classifyMediaError(err error) *PermissionError {
	name := "UnknownError"
	var me *MediaError
	if errors.As(err, &me) && me.Name != "" {
		name = me.Name
	}

	var msg string
	switch name {
	case "NotAllowedError", "PermissionDeniedError":
		msg = "Access to the microphone or camera was denied. Allow access and try again."
	case "NotFoundError", "DevicesNotFoundError":
		msg = "No microphone or camera was found. Connect a device and try again."
	case "NotReadableError", "TrackStartError":
		msg = "The microphone or camera is already in use by another application."
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		msg = "The selected device does not support the requested settings."
	case "SecurityError":
		msg = "Media access is blocked by a security policy."
	case "AbortError":
		msg = "Media access was interrupted."
	case "TypeError":
		msg = "No media type was requested."
	default:
		msg = "Unable to access the microphone or camera."
	}
	return &PermissionError{Name: name, Message: msg, Err: err}
}
