package call

import (
	"context"
	"time"
)

type Verdict int

const (
	Allow Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "allow"
}

// DefaultInterceptTimeout bounds how long an interceptor may hold an
// operation before it proceeds anyway.
const DefaultInterceptTimeout = 10 * time.Second

// Intercept asks fn whether to go ahead. A nil fn, a panic, or no answer
// within timeout all count as Allow.
func Intercept(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) Verdict) Verdict {
	return InterceptOr(ctx, timeout, Allow, fn)
}

// InterceptOr is Intercept with a caller-chosen verdict for the no-answer
// cases.
func InterceptOr(ctx context.Context, timeout time.Duration, fallback Verdict, fn func(ctx context.Context) Verdict) Verdict {
	if fn == nil {
		return fallback
	}
	if timeout <= 0 {
		timeout = DefaultInterceptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan Verdict, 1)
	go func() {
		defer func() {
			if recover() != nil {
				result <- fallback
			}
		}()
		result <- fn(ctx)
	}()

	select {
	case v := <-result:
		return v
	case <-ctx.Done():
		return fallback
	}
}
