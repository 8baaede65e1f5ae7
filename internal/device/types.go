package device

import "context"

type Kind string

const (
	AudioInput  Kind = "audioinput"
	AudioOutput Kind = "audiooutput"
	VideoInput  Kind = "videoinput"
)

// Kinds is the fixed order in which selections are reconciled.
var Kinds = []Kind{AudioInput, VideoInput, AudioOutput}

type Device struct {
	ID      string `json:"device_id"`
	Kind    Kind   `json:"kind"`
	Label   string `json:"label"`
	GroupID string `json:"group_id"`
}

// State is a snapshot of the registry. Selected devices always reference an
// entry of Devices.
type State struct {
	Devices          []Device `json:"devices"`
	Microphone       *Device  `json:"microphone"`
	Camera           *Device  `json:"camera"`
	Speaker          *Device  `json:"speaker"`
	AudioMuted       bool     `json:"audio_muted"`
	VideoMuted       bool     `json:"video_muted"`
	SpeakerMuted     bool     `json:"speaker_muted"`
	AutoGainControl  bool     `json:"auto_gain_control"`
	NoiseSuppression bool     `json:"noise_suppression"`
	VideoAspectRatio *float64 `json:"video_aspect_ratio"`
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type TrackSettings struct {
	DeviceID    string
	Width       int
	Height      int
	AspectRatio float64
}

// Track is a single local or remote media track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Settings() TrackSettings
	Stop()
}

// Stream groups the tracks returned by one media request.
type Stream interface {
	Tracks() []Track
	Stop()
}

type TrackConstraints struct {
	DeviceID         string
	AutoGainControl  bool
	NoiseSuppression bool
}

// Constraints selects which media a request wants. A nil field means the
// media type is not requested.
type Constraints struct {
	Audio *TrackConstraints
	Video *TrackConstraints
}

// Watcher delivers a notification on Changes whenever the set of local
// devices changes.
type Watcher interface {
	Changes() <-chan struct{}
	Close() error
}

// Platform is the local media device API.
type Platform interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
	WatchDevices(ctx context.Context) (Watcher, error)
}

// Session is the part of a live call the registry drives.
type Session interface {
	UpdateMicrophone(ctx context.Context, c TrackConstraints) error
	UpdateCamera(ctx context.Context, deviceID string) error
	UpdateSpeaker(ctx context.Context, deviceID string) error
	AudioMute(ctx context.Context) error
	AudioUnmute(ctx context.Context) error
	VideoMute(ctx context.Context) error
	VideoUnmute(ctx context.Context) error
	Deaf(ctx context.Context) error
	Undeaf(ctx context.Context) error
	LocalStream() Stream
	RemoteStream() Stream
}

// KV is durable string storage.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// TracksOf returns the tracks of the given kind, tolerating a nil stream.
func TracksOf(s Stream, kind TrackKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks() {
		if t != nil && t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
