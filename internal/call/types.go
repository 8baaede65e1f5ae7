package call

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/device"
)

type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateDialing      State = "dialing"
	StateActive       State = "active"
	StateEnding       State = "ending"
)

// Lifecycle events emitted by a Remote. AI speech events use the chat
// event names.
const (
	EventJoined     = "call.joined"
	EventActive     = "call.active"
	EventDestroy    = "call.destroy"
	EventError      = "call.error"
	EventLocalReady = "local.ready"
)

// End reasons reported in EndInfo.
const (
	ReasonHangup      = "hangup"
	ReasonRemote      = "remote_destroy"
	ReasonError       = "error"
	ReasonStartFailed = "start_failed"
	ReasonReset       = "reset"
)

type Event struct {
	Name    string
	Payload []byte
}

// Config is the immutable input of a call. Reconfiguring a widget replaces
// the whole value.
type Config struct {
	Destination   string
	SupportsAudio bool
	SupportsVideo bool
	UserVariables map[string]string
	AudioCodecs   []string
	Token         string
}

// Params returns dial parameters carrying copies of the mutable fields.
func (c Config) Params() DialParams {
	return DialParams{
		Destination:   c.Destination,
		Audio:         c.SupportsAudio,
		Video:         c.SupportsVideo,
		UserVariables: maps.Clone(c.UserVariables),
		AudioCodecs:   slices.Clone(c.AudioCodecs),
	}
}

type DialParams struct {
	Destination   string            `json:"destination"`
	Audio         bool              `json:"audio"`
	Video         bool              `json:"video"`
	UserVariables map[string]string `json:"user_variables,omitempty"`
	AudioCodecs   []string          `json:"audio_codecs,omitempty"`

	Microphone *device.TrackConstraints `json:"-"`
	CameraID   string                   `json:"-"`
	SpeakerID  string                   `json:"-"`
}

// Platform authenticates against the remote call service.
type Platform interface {
	Authenticate(ctx context.Context, token string) (Client, error)
}

type Client interface {
	Dial(ctx context.Context, p DialParams) (Remote, error)
	OnIncoming(fn func(Invite))
	// Done is closed once the client can no longer place or receive calls.
	Done() <-chan struct{}
	Close() error
}

// Remote is one live call.
type Remote interface {
	device.Session
	ID() string
	Start(ctx context.Context) error
	Hangup(ctx context.Context) error
	On(name string, fn func(Event))
}

// Invite is an inbound call waiting for an answer.
type Invite interface {
	ID() string
	Caller() string
	Accept(ctx context.Context) (Remote, error)
	Reject(ctx context.Context) error
}

type EndInfo struct {
	CallID    string
	Reason    string
	Started   bool
	Inbound   bool
	StartedAt time.Time
	EndedAt   time.Time
	History   []chat.Entry
}

// Hooks are the notifications a Session delivers. Every field is optional.
type Hooks struct {
	OnStarted    func(callID string)
	OnEnded      func(EndInfo)
	OnChatChange func([]chat.Entry)
	OnLocalVideo func(device.Track)
	OnError      func(error)
	BeforeDial   func(ctx context.Context, p DialParams) Verdict
}

type Metrics interface {
	CallStarted()
	// CallEnded is reported for every call that reached the platform, started
	// or not.
	CallEnded(reason string, started bool, duration time.Duration)
	DialFailed(stage string)
}
