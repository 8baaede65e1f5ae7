package device

import (
	"context"
	"errors"
	"fmt"
)

// MuteStrategy is one way of muting a media type. The registry tries
// strategies in order until one succeeds.
type MuteStrategy interface {
	Name() string
	SetMuted(ctx context.Context, muted bool) error
}

// CallLevelMute uses the call's own mute API.
type CallLevelMute struct {
	Mute   func(ctx context.Context) error
	Unmute func(ctx context.Context) error
}

func (CallLevelMute) Name() string { return "call" }

func (m CallLevelMute) SetMuted(ctx context.Context, muted bool) (err error) {
	fn := m.Unmute
	if muted {
		fn = m.Mute
	}
	if fn == nil {
		return ErrNoSession
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call mute panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// LocalTrackMute flips the enabled flag of the track captured when the
// registry bound to the call.
type LocalTrackMute struct {
	Track Track
}

func (LocalTrackMute) Name() string { return "local-track" }

func (m LocalTrackMute) SetMuted(_ context.Context, muted bool) error {
	if m.Track == nil {
		return ErrNoTrack
	}
	m.Track.SetEnabled(!muted)
	return nil
}

// StreamTrackMute looks the tracks up on the stream at call time, which
// catches tracks replaced after a device switch.
type StreamTrackMute struct {
	Stream func() Stream
	Kind   TrackKind
}

func (StreamTrackMute) Name() string { return "stream-track" }

func (m StreamTrackMute) SetMuted(_ context.Context, muted bool) error {
	if m.Stream == nil {
		return ErrNoTrack
	}
	tracks := TracksOf(m.Stream(), m.Kind)
	if len(tracks) == 0 {
		return ErrNoTrack
	}
	for _, t := range tracks {
		t.SetEnabled(!muted)
	}
	return nil
}

// applyMute runs the strategies in order. onFallback is called for every
// strategy that failed before the one that succeeded.
func applyMute(ctx context.Context, strategies []MuteStrategy, muted bool, onFallback func(name string, err error)) error {
	var errs []error
	for _, s := range strategies {
		err := s.SetMuted(ctx, muted)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if onFallback != nil {
			onFallback(s.Name(), err)
		}
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
