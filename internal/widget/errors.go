package widget

import (
	"errors"
	"fmt"
)

var (
	ErrMissingDestination = errors.New("destination is required")
	ErrMissingToken       = errors.New("token is required")
	ErrTokenExpired       = errors.New("token has expired")
	ErrNoMedia            = errors.New("at least one of audio or video must be enabled")
	ErrCallInProgress     = errors.New("call already in progress")
	ErrCallCancelled      = errors.New("call cancelled before dialing")
)

// Names reported in Error.Name.
const (
	ConfigurationError = "ConfigurationError"
	DeviceAccessError  = "DeviceAccessError"
	CallSetupError     = "CallSetupError"
	CallStartError     = "CallStartError"
	CallError          = "CallError"
)

// Error is the single structured failure surfaced to the host.
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
