package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/transcribe"
)

// captions runs local microphone transcription for the active call and
// feeds it into the call's transcript.
type captions struct {
	opts   transcribe.Options
	logger *slog.Logger

	mu   sync.Mutex
	live *transcribe.Live
}

func (c *captions) start(ctx context.Context, session *call.Session) {
	remote := session.Remote()
	if remote == nil {
		return
	}

	var tapper transcribe.Tapper
	for _, t := range device.TracksOf(remote.LocalStream(), device.TrackAudio) {
		if tp, ok := t.(transcribe.Tapper); ok {
			tapper = tp
			break
		}
	}
	if tapper == nil {
		c.logger.Warn("captions: no local capture track, skipping")
		return
	}

	live, err := transcribe.Start(ctx, c.opts, tapper, session.InjectChatEvent, c.logger)
	if err != nil {
		c.logger.Warn("captions: start failed", "error", err)
		return
	}

	c.mu.Lock()
	prev := c.live
	c.live = live
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

func (c *captions) stop() {
	c.mu.Lock()
	live := c.live
	c.live = nil
	c.mu.Unlock()
	if live != nil {
		live.Stop()
	}
}
