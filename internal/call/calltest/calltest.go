// Package calltest provides a scriptable in-memory call platform for tests.
package calltest

import (
	"context"
	"slices"
	"sync"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/device/devicetest"
)

// Remote is a call.Remote whose events are emitted by the test.
type Remote struct {
	*devicetest.Session

	id string

	mu       sync.Mutex
	handlers map[string][]func(call.Event)
	hangups  int
	starts   int

	HangupErr error
	StartErr  error

	// JoinOnStart emits call.joined from Start.
	JoinOnStart bool

	// DestroyOnHangup emits call.destroy from Hangup, like real SDKs do.
	DestroyOnHangup bool

	// HangupGate, when set, blocks Hangup until it is closed.
	HangupGate chan struct{}
}

func NewRemote(id string, local, remote *devicetest.Stream) *Remote {
	return &Remote{
		Session:  devicetest.NewSession(local, remote),
		id:       id,
		handlers: map[string][]func(call.Event){},
	}
}

// NewAVRemote returns a remote with one local audio and one local video
// track.
func NewAVRemote(id string) *Remote {
	local := devicetest.NewStream(
		devicetest.NewTrack(id+"-audio", device.TrackAudio, device.TrackSettings{DeviceID: "mic"}),
		devicetest.NewTrack(id+"-video", device.TrackVideo, device.TrackSettings{DeviceID: "cam", Width: 1280, Height: 720}),
	)
	return NewRemote(id, local, nil)
}

func (r *Remote) ID() string { return r.id }

func (r *Remote) Start(context.Context) error {
	r.mu.Lock()
	r.starts++
	err := r.StartErr
	join := r.JoinOnStart
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if join {
		r.Emit(call.EventJoined, nil)
	}
	return nil
}

func (r *Remote) Hangup(context.Context) error {
	r.mu.Lock()
	r.hangups++
	err := r.HangupErr
	gate := r.HangupGate
	destroy := r.DestroyOnHangup
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if destroy {
		r.Emit(call.EventDestroy, nil)
	}
	return err
}

func (r *Remote) On(name string, fn func(call.Event)) {
	r.mu.Lock()
	r.handlers[name] = append(r.handlers[name], fn)
	r.mu.Unlock()
}

// Emit delivers an event to every handler registered for name.
func (r *Remote) Emit(name string, payload []byte) {
	r.mu.Lock()
	handlers := slices.Clone(r.handlers[name])
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(call.Event{Name: name, Payload: payload})
	}
}

func (r *Remote) Hangups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hangups
}

func (r *Remote) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Client hands out queued remotes from Dial.
type Client struct {
	mu       sync.Mutex
	remotes  []*Remote
	dials    []call.DialParams
	incoming func(call.Invite)
	closed   bool
	done     chan struct{}
	dropOnce sync.Once

	DialErr error
}

func (c *Client) doneCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

func (c *Client) Done() <-chan struct{} { return c.doneCh() }

// Drop simulates a lost connection.
func (c *Client) Drop() {
	ch := c.doneCh()
	c.dropOnce.Do(func() { close(ch) })
}

func (c *Client) Queue(remotes ...*Remote) {
	c.mu.Lock()
	c.remotes = append(c.remotes, remotes...)
	c.mu.Unlock()
}

func (c *Client) Dial(_ context.Context, p call.DialParams) (call.Remote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials = append(c.dials, p)
	if c.DialErr != nil {
		return nil, c.DialErr
	}
	if len(c.remotes) == 0 {
		r := NewAVRemote("call-auto")
		return r, nil
	}
	r := c.remotes[0]
	c.remotes = c.remotes[1:]
	return r, nil
}

func (c *Client) OnIncoming(fn func(call.Invite)) {
	c.mu.Lock()
	c.incoming = fn
	c.mu.Unlock()
}

// Ring delivers an invite to the registered incoming handler.
func (c *Client) Ring(inv call.Invite) {
	c.mu.Lock()
	fn := c.incoming
	c.mu.Unlock()
	if fn != nil {
		fn(inv)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Drop()
	return nil
}

func (c *Client) Dials() []call.DialParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call.DialParams(nil), c.dials...)
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Platform authenticates every token to the same Client.
type Platform struct {
	Client  *Client
	AuthErr error

	mu     sync.Mutex
	tokens []string
}

func NewPlatform() *Platform {
	return &Platform{Client: &Client{}}
}

// Replace makes later authentications return client.
func (p *Platform) Replace(client *Client) {
	p.mu.Lock()
	p.Client = client
	p.mu.Unlock()
}

func (p *Platform) Authenticate(_ context.Context, token string) (call.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	if p.AuthErr != nil {
		return nil, p.AuthErr
	}
	return p.Client, nil
}

func (p *Platform) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

type Invite struct {
	Remote    *Remote
	From      string
	AcceptErr error

	mu       sync.Mutex
	accepted bool
	rejected bool
}

func (i *Invite) ID() string     { return i.Remote.ID() }
func (i *Invite) Caller() string { return i.From }

func (i *Invite) Accept(context.Context) (call.Remote, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.AcceptErr != nil {
		return nil, i.AcceptErr
	}
	i.accepted = true
	return i.Remote, nil
}

func (i *Invite) Reject(context.Context) error {
	i.mu.Lock()
	i.rejected = true
	i.mu.Unlock()
	return nil
}

func (i *Invite) Accepted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted
}

func (i *Invite) Rejected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rejected
}
