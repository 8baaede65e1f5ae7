package relay

import (
	"sync"

	"github.com/sjawhar/click2call/internal/device"
)

// mediaStream is the local stream of a call. Device switches swap tracks in
// place so callers holding the stream see the new device.
type mediaStream struct {
	mu     sync.Mutex
	tracks []device.Track
}

func newMediaStream(from device.Stream) *mediaStream {
	s := &mediaStream{}
	if from != nil {
		s.tracks = from.Tracks()
	}
	return s
}

func (s *mediaStream) Tracks() []device.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.Track(nil), s.tracks...)
}

func (s *mediaStream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// replace swaps the tracks of kind for those of kind in from and stops the
// old ones.
func (s *mediaStream) replace(kind device.TrackKind, from device.Stream) {
	fresh := device.TracksOf(from, kind)

	s.mu.Lock()
	var old, kept []device.Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			old = append(old, t)
		} else {
			kept = append(kept, t)
		}
	}
	s.tracks = append(kept, fresh...)
	s.mu.Unlock()

	for _, t := range old {
		t.Stop()
	}
}

// remoteTrack stands for media played back from the far end. Disabling it
// silences local playback only.
type remoteTrack struct {
	id   string
	kind device.TrackKind

	mu      sync.Mutex
	enabled bool
}

func (t *remoteTrack) ID() string                     { return t.id }
func (t *remoteTrack) Kind() device.TrackKind         { return t.kind }
func (t *remoteTrack) Settings() device.TrackSettings { return device.TrackSettings{} }
func (t *remoteTrack) Stop()                          { t.SetEnabled(false) }

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

type remoteStream struct {
	tracks []device.Track
}

func newRemoteStream(callID string, video bool) *remoteStream {
	s := &remoteStream{tracks: []device.Track{
		&remoteTrack{id: callID + "-remote-audio", kind: device.TrackAudio, enabled: true},
	}}
	if video {
		s.tracks = append(s.tracks, &remoteTrack{id: callID + "-remote-video", kind: device.TrackVideo, enabled: true})
	}
	return s
}

func (s *remoteStream) Tracks() []device.Track { return append([]device.Track(nil), s.tracks...) }

func (s *remoteStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
