// Package audio implements the local media device platform on top of
// PortAudio. Only audio is supported; camera requests are refused.
package audio

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/click2call/internal/device"
)

var _ device.Platform = (*Platform)(nil)

const (
	defaultSampleRate      = 16000
	defaultFramesPerBuffer = 1024
	defaultPollInterval    = 2 * time.Second
)

// capture is the part of a PortAudio input stream a track drives.
type capture interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

type backend interface {
	Devices() ([]*portaudio.DeviceInfo, error)
	DefaultInput() (*portaudio.DeviceInfo, error)
	OpenCapture(dev *portaudio.DeviceInfo, sampleRate float64, buf []int16) (capture, error)
	// Refresh rescans the host for devices. It must not run while a capture
	// is open.
	Refresh() error
}

type portaudioBackend struct{}

func (portaudioBackend) Devices() ([]*portaudio.DeviceInfo, error) { return portaudio.Devices() }

func (portaudioBackend) DefaultInput() (*portaudio.DeviceInfo, error) {
	return portaudio.DefaultInputDevice()
}

func (portaudioBackend) OpenCapture(dev *portaudio.DeviceInfo, sampleRate float64, buf []int16) (capture, error) {
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = sampleRate
	params.FramesPerBuffer = len(buf)
	return portaudio.OpenStream(params, buf)
}

// Refresh cycles PortAudio; devices plugged in after Initialize are only
// listed after a terminate and initialize pair.
func (portaudioBackend) Refresh() error {
	// a failed Initialize on the previous rescan leaves nothing to terminate
	if err := portaudio.Terminate(); err != nil && !errors.Is(err, portaudio.NotInitialized) {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	return nil
}

// Init must be called once before a Platform is used.
func Init() error { return portaudio.Initialize() }

func Terminate() error { return portaudio.Terminate() }

type Option func(*Platform)

func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithSampleRate(rate int) Option {
	return func(p *Platform) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

func WithFramesPerBuffer(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.framesPerBuffer = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

type Platform struct {
	backend         backend
	logger          *slog.Logger
	sampleRate      int
	framesPerBuffer int
	pollInterval    time.Duration

	mu     sync.Mutex
	nextID int

	// paMu guards backend calls against a concurrent Refresh.
	paMu     sync.Mutex
	captures int
}

func New(opts ...Option) *Platform {
	p := &Platform{
		backend:         portaudioBackend{},
		logger:          slog.Default(),
		sampleRate:      defaultSampleRate,
		framesPerBuffer: defaultFramesPerBuffer,
		pollInterval:    defaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Platform) SampleRate() int { return p.sampleRate }

// EnumerateDevices lists every input and output PortAudio reports. A device
// with both directions appears once per kind, sharing a group id.
func (p *Platform) EnumerateDevices(ctx context.Context) ([]device.Device, error) {
	p.paMu.Lock()
	infos, err := p.backend.Devices()
	p.paMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}

	var out []device.Device
	for _, info := range infos {
		if info.MaxInputChannels > 0 {
			out = append(out, describe(info, device.AudioInput))
		}
		if info.MaxOutputChannels > 0 {
			out = append(out, describe(info, device.AudioOutput))
		}
	}
	return out, nil
}

func (p *Platform) GetUserMedia(ctx context.Context, c device.Constraints) (device.Stream, error) {
	if c.Audio == nil && c.Video == nil {
		return nil, &device.MediaError{Name: "TypeError"}
	}
	if c.Audio == nil {
		return nil, &device.MediaError{Name: "NotFoundError", Err: fmt.Errorf("camera capture is not supported")}
	}
	if c.Video != nil {
		p.logger.Debug("audio: ignoring video constraints")
	}

	p.paMu.Lock()
	defer p.paMu.Unlock()

	info, err := p.resolveInput(c.Audio.DeviceID)
	if err != nil {
		return nil, err
	}

	buf := make([]int16, p.framesPerBuffer)
	in, err := p.backend.OpenCapture(info, float64(p.sampleRate), buf)
	if err != nil {
		return nil, &device.MediaError{Name: "NotReadableError", Err: fmt.Errorf("open %s: %w", info.Name, err)}
	}
	if err := in.Start(); err != nil {
		_ = in.Close()
		return nil, &device.MediaError{Name: "NotReadableError", Err: fmt.Errorf("start %s: %w", info.Name, err)}
	}
	p.captures++

	track := newTrack(p.trackID(), deviceID(info, device.AudioInput), in, buf, p.logger, p.releaseCapture)
	p.logger.Info("audio: capture started", "device", info.Name, "sample_rate", p.sampleRate)
	return &stream{tracks: []device.Track{track}}, nil
}

func (p *Platform) releaseCapture() {
	p.paMu.Lock()
	p.captures--
	p.paMu.Unlock()
}

// refresh rescans devices unless a capture is open.
func (p *Platform) refresh() error {
	p.paMu.Lock()
	defer p.paMu.Unlock()
	if p.captures > 0 {
		return nil
	}
	return p.backend.Refresh()
}

// resolveInput must be called with paMu held.
func (p *Platform) resolveInput(id string) (*portaudio.DeviceInfo, error) {
	if id == "" {
		info, err := p.backend.DefaultInput()
		if err != nil || info == nil {
			return nil, &device.MediaError{Name: "NotFoundError", Err: err}
		}
		return info, nil
	}

	infos, err := p.backend.Devices()
	if err != nil {
		return nil, &device.MediaError{Name: "AbortError", Err: err}
	}
	for _, info := range infos {
		if info.MaxInputChannels > 0 && deviceID(info, device.AudioInput) == id {
			return info, nil
		}
	}
	return nil, &device.MediaError{
		Name: "OverconstrainedError",
		Err:  fmt.Errorf("%w: %s", device.ErrUnknownDevice, id),
	}
}

func (p *Platform) trackID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return fmt.Sprintf("mic-%d", p.nextID)
}

func describe(info *portaudio.DeviceInfo, kind device.Kind) device.Device {
	return device.Device{
		ID:      deviceID(info, kind),
		Kind:    kind,
		Label:   info.Name,
		GroupID: groupID(info),
	}
}

// PortAudio indexes shift when devices come and go, so ids are derived from
// the host API and device name instead.
func deviceID(info *portaudio.DeviceInfo, kind device.Kind) string {
	return digest(string(kind), hostAPI(info), info.Name)
}

func groupID(info *portaudio.DeviceInfo) string {
	return digest(hostAPI(info), info.Name)
}

func hostAPI(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return ""
	}
	return info.HostApi.Name
}

func digest(parts ...string) string {
	h := sha1.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type stream struct {
	tracks []device.Track
}

func (s *stream) Tracks() []device.Track { return s.tracks }

func (s *stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
