package relay

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/device"
)

// Remote is one call placed or answered through the relay. Events are
// delivered in order on a goroutine owned by the call, so handlers may issue
// requests of their own. The queue is unbounded so the connection's read loop
// never waits on a handler.
type Remote struct {
	client *Client
	id     string
	local  *mediaStream
	remote *remoteStream

	mu       sync.Mutex
	handlers map[string][]func(call.Event)

	qmu   sync.Mutex
	queue []call.Event
	wake  chan struct{}

	done chan struct{}
	once sync.Once
}

func newRemote(c *Client, id string, stream device.Stream, video bool) *Remote {
	r := &Remote{
		client:   c,
		id:       id,
		local:    newMediaStream(stream),
		remote:   newRemoteStream(id, video),
		handlers: map[string][]func(call.Event){},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.deliver()
	return r
}

func (r *Remote) ID() string                  { return r.id }
func (r *Remote) LocalStream() device.Stream  { return r.local }
func (r *Remote) RemoteStream() device.Stream { return r.remote }

func (r *Remote) On(name string, fn func(call.Event)) {
	r.mu.Lock()
	r.handlers[name] = append(r.handlers[name], fn)
	r.mu.Unlock()
}

func (r *Remote) Start(ctx context.Context) error {
	_, err := r.client.request(ctx, methodStart, callRequest{CallID: r.id})
	return err
}

func (r *Remote) Hangup(ctx context.Context) error {
	_, err := r.client.request(ctx, methodHangup, callRequest{CallID: r.id})
	r.client.forget(r.id)
	r.finish()
	return err
}

func (r *Remote) UpdateMicrophone(ctx context.Context, c device.TrackConstraints) error {
	stream, err := r.client.platform.devices.GetUserMedia(ctx, device.Constraints{Audio: &c})
	if err != nil {
		return fmt.Errorf("open microphone %s: %w", c.DeviceID, err)
	}
	if err := r.updateDevice(ctx, device.AudioInput, c.DeviceID); err != nil {
		stopStream(stream)
		return err
	}
	r.local.replace(device.TrackAudio, stream)
	return nil
}

func (r *Remote) UpdateCamera(ctx context.Context, deviceID string) error {
	stream, err := r.client.platform.devices.GetUserMedia(ctx, device.Constraints{Video: &device.TrackConstraints{DeviceID: deviceID}})
	if err != nil {
		return fmt.Errorf("open camera %s: %w", deviceID, err)
	}
	if err := r.updateDevice(ctx, device.VideoInput, deviceID); err != nil {
		stopStream(stream)
		return err
	}
	r.local.replace(device.TrackVideo, stream)
	r.emit(call.Event{Name: call.EventLocalReady})
	return nil
}

func (r *Remote) UpdateSpeaker(ctx context.Context, deviceID string) error {
	return r.updateDevice(ctx, device.AudioOutput, deviceID)
}

func (r *Remote) AudioMute(ctx context.Context) error   { return r.mute(ctx, "audio", true) }
func (r *Remote) AudioUnmute(ctx context.Context) error { return r.mute(ctx, "audio", false) }
func (r *Remote) VideoMute(ctx context.Context) error   { return r.mute(ctx, "video", true) }
func (r *Remote) VideoUnmute(ctx context.Context) error { return r.mute(ctx, "video", false) }
func (r *Remote) Deaf(ctx context.Context) error        { return r.mute(ctx, "speaker", true) }
func (r *Remote) Undeaf(ctx context.Context) error      { return r.mute(ctx, "speaker", false) }

// mute asks the relay to stop forwarding media and mirrors the change on the
// local tracks so captured audio is not sent while the request is in flight.
func (r *Remote) mute(ctx context.Context, target string, muted bool) error {
	if _, err := r.client.request(ctx, methodMute, muteRequest{CallID: r.id, Target: target, Muted: muted}); err != nil {
		return err
	}

	var stream device.Stream = r.local
	kind := device.TrackAudio
	switch target {
	case "video":
		kind = device.TrackVideo
	case "speaker":
		stream = r.remote
	}
	for _, t := range device.TracksOf(stream, kind) {
		t.SetEnabled(!muted)
	}
	return nil
}

func (r *Remote) updateDevice(ctx context.Context, kind device.Kind, deviceID string) error {
	_, err := r.client.request(ctx, methodUpdateDevice, deviceRequest{CallID: r.id, Kind: string(kind), DeviceID: deviceID})
	return err
}

// emit queues ev for delivery. Events after the call finished are dropped.
func (r *Remote) emit(ev call.Event) {
	select {
	case <-r.done:
		return
	default:
	}
	r.qmu.Lock()
	r.queue = append(r.queue, ev)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	if ev.Name == call.EventDestroy {
		r.finish()
	}
}

func (r *Remote) finish() {
	r.once.Do(func() { close(r.done) })
}

func (r *Remote) deliver() {
	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.done:
			// deliver what was queued before the call finished
			r.drain()
			return
		}
	}
}

func (r *Remote) drain() {
	for {
		r.qmu.Lock()
		if len(r.queue) == 0 {
			r.qmu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.qmu.Unlock()
		r.handle(ev)
	}
}

func (r *Remote) handle(ev call.Event) {
	r.mu.Lock()
	handlers := slices.Clone(r.handlers[ev.Name])
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
