package server

import "errors"

var (
	ErrUnboundControl = errors.New("control is not bound")
	ErrUnknownInvite  = errors.New("no pending invite with that id")
)
