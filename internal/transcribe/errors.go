package transcribe

import "errors"

var ErrConnect = errors.New("deepgram connection refused")
