package chat

import "errors"

var (
	ErrUnknownEvent   = errors.New("unknown speech event")
	ErrMalformedEvent = errors.New("malformed speech event")
)
