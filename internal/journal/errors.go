package journal

import "errors"

// ErrUnknownCall is returned by CallEnded for a call that has no open record.
var ErrUnknownCall = errors.New("no open record for call")
