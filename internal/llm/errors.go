package llm

import "errors"

var (
	ErrInvalidModel    = errors.New("invalid model name")
	ErrUnknownProvider = errors.New("unknown model provider")
	ErrMissingKey      = errors.New("missing api key")
	ErrEmptyResponse   = errors.New("empty completion")
)
