package call

import "errors"

var (
	ErrBusy         = errors.New("call already in progress")
	ErrNoCall       = errors.New("no active call")
	ErrDialRejected = errors.New("dial rejected before start")
	ErrAborted      = errors.New("dial aborted")
	ErrRemote       = errors.New("remote call error")
)
