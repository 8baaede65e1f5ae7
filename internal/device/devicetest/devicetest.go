// Package devicetest provides in-memory implementations of the device
// interfaces for tests.
package devicetest

import (
	"context"
	"sync"
	"time"

	"github.com/sjawhar/click2call/internal/device"
)

type Track struct {
	mu       sync.Mutex
	id       string
	kind     device.TrackKind
	enabled  bool
	stopped  bool
	settings device.TrackSettings
}

func NewTrack(id string, kind device.TrackKind, settings device.TrackSettings) *Track {
	return &Track{id: id, kind: kind, enabled: true, settings: settings}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() device.TrackKind { return t.kind }

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

func (t *Track) Settings() device.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type Stream struct {
	mu      sync.Mutex
	tracks  []device.Track
	stopped bool
}

func NewStream(tracks ...device.Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []device.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.Track(nil), s.tracks...)
}

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	tracks := append([]device.Track(nil), s.tracks...)
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Replace swaps every track of kind for t, or appends t when none exists.
func (s *Stream) Replace(t device.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tracks[:0:0]
	for _, old := range s.tracks {
		if old.Kind() != t.Kind() {
			out = append(out, old)
		}
	}
	s.tracks = append(out, t)
}

type Watcher struct {
	ch     chan struct{}
	mu     sync.Mutex
	closed bool
}

func (w *Watcher) Changes() <-chan struct{} { return w.ch }

func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *Watcher) notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Platform is a scriptable device.Platform.
type Platform struct {
	mu           sync.Mutex
	devices      []device.Device
	watchers     []*Watcher
	streams      []*Stream
	requests     []device.Constraints
	MediaErr     error
	EnumerateErr error
}

func NewPlatform(devices ...device.Device) *Platform {
	return &Platform{devices: devices}
}

func (p *Platform) EnumerateDevices(context.Context) ([]device.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EnumerateErr != nil {
		return nil, p.EnumerateErr
	}
	return append([]device.Device(nil), p.devices...), nil
}

func (p *Platform) GetUserMedia(_ context.Context, c device.Constraints) (device.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, c)
	if p.MediaErr != nil {
		return nil, p.MediaErr
	}

	var tracks []device.Track
	if c.Audio != nil {
		id := c.Audio.DeviceID
		if id == "" {
			id = p.firstOf(device.AudioInput)
		}
		tracks = append(tracks, NewTrack("audio-"+id, device.TrackAudio, device.TrackSettings{DeviceID: id}))
	}
	if c.Video != nil {
		id := c.Video.DeviceID
		if id == "" {
			id = p.firstOf(device.VideoInput)
		}
		tracks = append(tracks, NewTrack("video-"+id, device.TrackVideo, device.TrackSettings{DeviceID: id, Width: 1280, Height: 720}))
	}
	s := NewStream(tracks...)
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *Platform) WatchDevices(context.Context) (device.Watcher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := &Watcher{ch: make(chan struct{}, 1)}
	p.watchers = append(p.watchers, w)
	return w, nil
}

// SetDevices replaces the device list and notifies open watchers.
func (p *Platform) SetDevices(devices ...device.Device) {
	p.mu.Lock()
	p.devices = devices
	watchers := append([]*Watcher(nil), p.watchers...)
	p.mu.Unlock()
	for _, w := range watchers {
		w.notify()
	}
}

func (p *Platform) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

func (p *Platform) Requests() []device.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.Constraints(nil), p.requests...)
}

func (p *Platform) firstOf(kind device.Kind) string {
	for _, d := range p.devices {
		if d.Kind == kind {
			return d.ID
		}
	}
	return "default"
}

// Session is a scriptable device.Session. Errors set on the exported fields
// are returned by the matching call-level method.
type Session struct {
	mu     sync.Mutex
	local  *Stream
	remote *Stream
	calls  []string

	MicErr       error
	CameraErr    error
	SpeakerErr   error
	AudioMuteErr error
	VideoMuteErr error
	DeafErr      error

	Mic       device.TrackConstraints
	CameraID  string
	SpeakerID string

	// MuteDelay slows every mute call down.
	MuteDelay time.Duration
}

func NewSession(local, remote *Stream) *Session {
	if local == nil {
		local = NewStream()
	}
	if remote == nil {
		remote = NewStream()
	}
	return &Session{local: local, remote: remote}
}

func (s *Session) record(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

// Calls returns the names of the methods invoked so far.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Session) UpdateMicrophone(_ context.Context, c device.TrackConstraints) error {
	s.record("update_microphone")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MicErr != nil {
		return s.MicErr
	}
	s.Mic = c
	s.local.Replace(NewTrack("audio-"+c.DeviceID, device.TrackAudio, device.TrackSettings{DeviceID: c.DeviceID}))
	return nil
}

func (s *Session) UpdateCamera(_ context.Context, id string) error {
	s.record("update_camera")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CameraErr != nil {
		return s.CameraErr
	}
	s.CameraID = id
	s.local.Replace(NewTrack("video-"+id, device.TrackVideo, device.TrackSettings{DeviceID: id, Width: 640, Height: 480}))
	return nil
}

func (s *Session) UpdateSpeaker(_ context.Context, id string) error {
	s.record("update_speaker")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakerErr != nil {
		return s.SpeakerErr
	}
	s.SpeakerID = id
	return nil
}

func (s *Session) AudioMute(context.Context) error   { return s.mute("audio_mute", s.AudioMuteErr, s.local, device.TrackAudio, false) }
func (s *Session) AudioUnmute(context.Context) error { return s.mute("audio_unmute", s.AudioMuteErr, s.local, device.TrackAudio, true) }
func (s *Session) VideoMute(context.Context) error   { return s.mute("video_mute", s.VideoMuteErr, s.local, device.TrackVideo, false) }
func (s *Session) VideoUnmute(context.Context) error { return s.mute("video_unmute", s.VideoMuteErr, s.local, device.TrackVideo, true) }
func (s *Session) Deaf(context.Context) error        { return s.mute("deaf", s.DeafErr, s.remote, device.TrackAudio, false) }
func (s *Session) Undeaf(context.Context) error      { return s.mute("undeaf", s.DeafErr, s.remote, device.TrackAudio, true) }

func (s *Session) mute(name string, err error, stream *Stream, kind device.TrackKind, enabled bool) error {
	s.record(name)
	if s.MuteDelay > 0 {
		time.Sleep(s.MuteDelay)
	}
	if err != nil {
		return err
	}
	for _, t := range device.TracksOf(stream, kind) {
		t.SetEnabled(enabled)
	}
	return nil
}

func (s *Session) LocalStream() device.Stream  { return s.local }
func (s *Session) RemoteStream() device.Stream { return s.remote }

// KV is an in-memory device.KV.
type KV struct {
	mu   sync.Mutex
	data map[string]string
}

func NewKV() *KV {
	return &KV{data: map[string]string{}}
}

func (k *KV) Get(key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[key]
	return v, ok, nil
}

func (k *KV) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = value
	return nil
}

func (k *KV) Remove(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}
