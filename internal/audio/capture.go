package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/click2call/internal/device"
)

var _ device.Track = (*Track)(nil)

// Track is a live microphone capture. Captured audio is fanned out as mono
// PCM16-LE to every tap; while the track is disabled taps receive silence.
type Track struct {
	id       string
	deviceID string
	in       capture
	buf      []int16
	logger   *slog.Logger
	release  func()

	mu      sync.Mutex
	enabled bool
	stopped bool
	taps    map[int]io.Writer
	nextTap int

	stopOnce sync.Once
	done     chan struct{}
}

func newTrack(id, deviceID string, in capture, buf []int16, logger *slog.Logger, release func()) *Track {
	t := &Track{
		id:       id,
		deviceID: deviceID,
		in:       in,
		buf:      buf,
		logger:   logger,
		release:  release,
		enabled:  true,
		taps:     map[int]io.Writer{},
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() device.TrackKind { return device.TrackAudio }

func (t *Track) Settings() device.TrackSettings {
	return device.TrackSettings{DeviceID: t.deviceID}
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Tap registers w to receive captured PCM. Writes happen on the capture
// goroutine and w must not retain the slice. A writer that returns an error is
// dropped.
func (t *Track) Tap(w io.Writer) (untap func()) {
	t.mu.Lock()
	id := t.nextTap
	t.nextTap++
	t.taps[id] = w
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.taps, id)
		t.mu.Unlock()
	}
}

// Stop ends the capture and waits for the capture goroutine to exit.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()

		if err := t.in.Stop(); err != nil {
			t.logger.Debug("audio: stop capture", "track", t.id, "error", err)
		}
		<-t.done
		if err := t.in.Close(); err != nil {
			t.logger.Debug("audio: close capture", "track", t.id, "error", err)
		}
		if t.release != nil {
			t.release()
		}
	})
}

func (t *Track) run() {
	defer close(t.done)

	var out bytes.Buffer
	out.Grow(len(t.buf) * 2)
	silence := make([]int16, len(t.buf))

	for {
		if err := t.in.Read(); err != nil {
			if t.isStopped() {
				return
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				t.logger.Debug("audio: input overflow", "track", t.id)
				continue
			}
			t.logger.Warn("audio: capture failed", "track", t.id, "error", err)
			return
		}

		samples := t.buf
		if !t.Enabled() {
			samples = silence
		}
		out.Reset()
		if err := binary.Write(&out, binary.LittleEndian, samples); err != nil {
			t.logger.Warn("audio: encode pcm", "track", t.id, "error", err)
			return
		}
		t.fanOut(out.Bytes())
	}
}

func (t *Track) fanOut(pcm []byte) {
	t.mu.Lock()
	taps := make(map[int]io.Writer, len(t.taps))
	for id, w := range t.taps {
		taps[id] = w
	}
	t.mu.Unlock()

	for id, w := range taps {
		if _, err := w.Write(pcm); err != nil {
			t.logger.Warn("audio: dropping tap", "track", t.id, "error", err)
			t.mu.Lock()
			delete(t.taps, id)
			t.mu.Unlock()
		}
	}
}

func (t *Track) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
