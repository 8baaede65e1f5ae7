// Package widget sequences a click-to-call from device permissions to
// post-call cleanup and reports every step to the host.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/device"
)

// Trigger ids bound through a TriggerBinder.
const (
	TriggerHangup        = "hangup"
	TriggerToggleAudio   = "toggle-audio"
	TriggerToggleVideo   = "toggle-video"
	TriggerToggleSpeaker = "toggle-speaker"
)

// TriggerBinder attaches action to the external control named id and
// returns a function that detaches it.
type TriggerBinder func(id string, action func(ctx context.Context) error) (unbind func())

// Hooks are the host notifications. Every field is optional.
type Hooks struct {
	OnClientReady  func()
	OnIncomingCall func(ctx context.Context, inv call.Invite) call.Verdict
	OnCallStarted  func(callID string)
	OnCallEnded    func(call.EndInfo)
	OnChatChange   func([]chat.Entry)
	OnLocalVideo   func(device.Track)
	OnError        func(*Error)
	BeforeCall     func(ctx context.Context) call.Verdict
	BeforeDial     func(ctx context.Context, p call.DialParams) call.Verdict
}

// DefaultReconnectDelay is the pause between reconnect attempts for
// incoming calls.
const DefaultReconnectDelay = 5 * time.Second

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTriggers(bind TriggerBinder) Option {
	return func(c *Controller) { c.triggers = bind }
}

// WithAutoAnswer accepts inbound calls without asking the host.
func WithAutoAnswer(on bool) Option {
	return func(c *Controller) { c.autoAnswer = on }
}

func WithInterceptTimeout(d time.Duration) Option {
	return func(c *Controller) { c.interceptTimeout = d }
}

// WithReconnectDelay sets the pause between attempts to restore a lost
// connection for incoming calls.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithCallOptions passes options through to the call session.
func WithCallOptions(opts ...call.Option) Option {
	return func(c *Controller) { c.callOpts = append(c.callOpts, opts...) }
}

type Controller struct {
	registry         *device.Registry
	session          *call.Session
	hooks            Hooks
	logger           *slog.Logger
	now              func() time.Time
	triggers         TriggerBinder
	autoAnswer       bool
	interceptTimeout time.Duration
	callOpts         []call.Option
	reconnectDelay   time.Duration

	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	cfg     call.Config
	busy    bool
	unbinds []func()
}

// New builds a controller for cfg. The registry is owned by the controller
// from here on.
func New(cfg call.Config, platform call.Platform, registry *device.Registry, hooks Hooks, opts ...Option) *Controller {
	c := &Controller{
		registry: registry,
		hooks:    hooks,
		logger:   slog.Default(),
		now:      time.Now,
		cfg:      cfg,

		reconnectDelay: DefaultReconnectDelay,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	callOpts := append([]call.Option{
		call.WithLogger(c.logger),
		call.WithClock(c.now),
		call.WithBeforeDialTimeout(c.interceptTimeout),
	}, c.callOpts...)
	c.session = call.NewSession(platform, call.Hooks{
		OnStarted:    c.handleStarted,
		OnEnded:      c.finishCall,
		OnChatChange: hooks.OnChatChange,
		OnLocalVideo: hooks.OnLocalVideo,
		OnError: func(err error) {
			c.fail(CallError, err)
		},
		BeforeDial: hooks.BeforeDial,
	}, callOpts...)
	return c
}

func (c *Controller) Registry() *device.Registry { return c.registry }
func (c *Controller) Session() *call.Session     { return c.session }

func (c *Controller) Config() call.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Reconfigure replaces the configuration used by the next call.
func (c *Controller) Reconfigure(cfg call.Config) error {
	if err := validateConfig(cfg, c.now()); err != nil {
		return &Error{Name: ConfigurationError, Message: err.Error(), Err: err}
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("widget: reconfigured", "destination", cfg.Destination)
	return nil
}

// SetupCall runs the outbound pipeline. A call already in progress makes it
// a logged no-op.
func (c *Controller) SetupCall(ctx context.Context) error {
	cfg, ok := c.begin()
	if !ok {
		c.logger.Info("widget: call already ongoing, ignoring setup")
		return ErrCallInProgress
	}
	defer c.done()

	if err := validateConfig(cfg, c.now()); err != nil {
		return c.fail(ConfigurationError, err)
	}

	if call.Intercept(ctx, c.interceptTimeout, c.hooks.BeforeCall) == call.Reject {
		c.logger.Info("widget: call cancelled by host")
		return ErrCallCancelled
	}

	if err := c.registry.GetPermissions(ctx, cfg.SupportsVideo); err != nil {
		c.release()
		return c.fail(DeviceAccessError, err)
	}

	if err := c.session.Dial(ctx, cfg.Token, c.dialParams(cfg)); err != nil {
		c.release()
		if errors.Is(err, call.ErrDialRejected) || errors.Is(err, call.ErrAborted) {
			c.logger.Info("widget: dial cancelled", "reason", err)
			return err
		}
		return c.fail(CallSetupError, err)
	}

	return c.wireCall(ctx)
}

// EnableIncoming authenticates and starts accepting inbound calls. A lost
// connection is restored in the background until ctx ends or the controller
// is closed.
func (c *Controller) EnableIncoming(ctx context.Context) error {
	cfg := c.Config()
	if err := validateToken(cfg.Token, c.now()); err != nil {
		return c.fail(ConfigurationError, err)
	}

	client, err := c.listen(ctx, cfg.Token)
	if err != nil {
		return c.fail(CallSetupError, err)
	}
	go c.keepListening(ctx, client)
	return nil
}

func (c *Controller) listen(ctx context.Context, token string) (call.Client, error) {
	client, err := c.session.Connect(ctx, token)
	if err != nil {
		return nil, err
	}
	client.OnIncoming(func(inv call.Invite) {
		c.handleInvite(context.WithoutCancel(ctx), inv)
	})

	c.logger.Info("widget: client ready for incoming calls")
	if c.hooks.OnClientReady != nil {
		c.hooks.OnClientReady()
	}
	return client, nil
}

func (c *Controller) keepListening(ctx context.Context, client call.Client) {
	for {
		select {
		case <-client.Done():
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
		c.logger.Warn("widget: connection for incoming calls lost, reconnecting")

		for {
			select {
			case <-time.After(c.reconnectDelay):
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
			next, err := c.listen(ctx, c.Config().Token)
			if err == nil {
				client = next
				break
			}
			c.logger.Warn("widget: reconnect failed", "error", err)
		}
	}
}

// Hangup ends the current call.
func (c *Controller) Hangup(ctx context.Context) error {
	return c.session.EndCall(ctx)
}

// Close ends any call and stops watching devices.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	err := c.session.Close()
	c.unbindControls()
	return errors.Join(err, c.registry.Close())
}

func (c *Controller) handleInvite(ctx context.Context, inv call.Invite) {
	cfg, ok := c.begin()
	if !ok {
		c.logger.Info("widget: rejecting invite, call in progress", "invite_id", inv.ID())
		c.reject(ctx, inv)
		return
	}
	defer c.done()

	verdict := call.Allow
	if !c.autoAnswer {
		var ask func(context.Context) call.Verdict
		if c.hooks.OnIncomingCall != nil {
			ask = func(ctx context.Context) call.Verdict { return c.hooks.OnIncomingCall(ctx, inv) }
		}
		verdict = call.InterceptOr(ctx, c.interceptTimeout, call.Reject, ask)
	}
	if verdict == call.Reject {
		c.logger.Info("widget: invite declined", "invite_id", inv.ID(), "caller", inv.Caller())
		c.reject(ctx, inv)
		return
	}

	if err := c.registry.GetPermissions(ctx, cfg.SupportsVideo); err != nil {
		c.reject(ctx, inv)
		c.release()
		_ = c.fail(DeviceAccessError, err)
		return
	}

	remote, err := inv.Accept(ctx)
	if err != nil {
		c.release()
		_ = c.fail(CallSetupError, fmt.Errorf("accept invite %s: %w", inv.ID(), err))
		return
	}
	if err := c.session.Adopt(remote); err != nil {
		_ = remote.Hangup(ctx)
		c.release()
		_ = c.fail(CallSetupError, err)
		return
	}

	_ = c.wireCall(ctx)
}

// wireCall binds devices and controls to the dialed call and starts it.
func (c *Controller) wireCall(ctx context.Context) error {
	remote := c.session.Remote()
	if remote == nil {
		return c.aborted()
	}

	if err := c.registry.Setup(ctx, remote); err != nil {
		c.logger.Warn("widget: device setup failed, continuing with defaults", "error", err)
	}

	c.bindControls()

	if c.session.Remote() != remote {
		return c.aborted()
	}
	if err := c.session.Start(ctx); err != nil {
		if errors.Is(err, call.ErrNoCall) {
			return c.aborted()
		}
		_ = c.session.EndCallWithReason(ctx, call.ReasonStartFailed)
		c.release()
		return c.fail(CallStartError, err)
	}
	return nil
}

// aborted handles a call that was ended before it could start.
func (c *Controller) aborted() error {
	c.release()
	c.logger.Info("widget: call ended before start")
	return call.ErrAborted
}

func (c *Controller) handleStarted(callID string) {
	c.registry.ApplySavedDevicePreferences(context.Background())
	if c.hooks.OnCallStarted != nil {
		c.hooks.OnCallStarted(callID)
	}
}

func (c *Controller) finishCall(info call.EndInfo) {
	c.release()
	if info.Started && c.hooks.OnCallEnded != nil {
		c.hooks.OnCallEnded(info)
	}
}

// release drops everything a failed or finished call acquired. It is safe
// to call more than once.
func (c *Controller) release() {
	c.unbindControls()
	c.registry.Reset()
}

func (c *Controller) bindControls() {
	if c.triggers == nil {
		return
	}
	actions := map[string]func(ctx context.Context) error{
		TriggerHangup:        c.Hangup,
		TriggerToggleAudio:   toggle("audio", c.registry.ToggleAudio),
		TriggerToggleVideo:   toggle("video", c.registry.ToggleVideo),
		TriggerToggleSpeaker: toggle("speaker", c.registry.ToggleSpeaker),
	}

	var unbinds []func()
	for _, id := range []string{TriggerHangup, TriggerToggleAudio, TriggerToggleVideo, TriggerToggleSpeaker} {
		if unbind := c.triggers(id, actions[id]); unbind != nil {
			unbinds = append(unbinds, unbind)
		}
	}

	c.unbindControls()
	c.mu.Lock()
	c.unbinds = unbinds
	c.mu.Unlock()
}

func (c *Controller) unbindControls() {
	c.mu.Lock()
	unbinds := c.unbinds
	c.unbinds = nil
	c.mu.Unlock()
	for _, fn := range unbinds {
		fn()
	}
}

func (c *Controller) dialParams(cfg call.Config) call.DialParams {
	p := cfg.Params()
	st := c.registry.State()
	if st.Microphone != nil {
		p.Microphone = &device.TrackConstraints{
			DeviceID:         st.Microphone.ID,
			AutoGainControl:  st.AutoGainControl,
			NoiseSuppression: st.NoiseSuppression,
		}
	}
	if st.Camera != nil && cfg.SupportsVideo {
		p.CameraID = st.Camera.ID
	}
	if st.Speaker != nil {
		p.SpeakerID = st.Speaker.ID
	}
	return p
}

func (c *Controller) begin() (call.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.session.State() != call.StateIdle {
		return call.Config{}, false
	}
	c.busy = true
	return c.cfg, true
}

func (c *Controller) done() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) reject(ctx context.Context, inv call.Invite) {
	if err := inv.Reject(ctx); err != nil {
		c.logger.Warn("widget: reject invite failed", "invite_id", inv.ID(), "error", err)
	}
}

// fail reports err to the host once and returns the structured error.
func (c *Controller) fail(name string, err error) error {
	werr := &Error{Name: name, Message: messageFor(name, err), Err: err}
	c.logger.Error("widget: call failed", "name", name, "error", err)
	if c.hooks.OnError != nil {
		c.hooks.OnError(werr)
	}
	return werr
}

func messageFor(name string, err error) string {
	var perr *device.PermissionError
	if errors.As(err, &perr) {
		return perr.Message
	}
	switch name {
	case ConfigurationError:
		return fmt.Sprintf("The widget is misconfigured: %v.", err)
	case CallSetupError:
		return "The call could not be set up. Please try again."
	case CallStartError:
		return "The call could not be started. Check your network connection and try again."
	default:
		return "The call ended because of an error."
	}
}

func toggle(what string, fn func(ctx context.Context) bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !fn(ctx) {
			return fmt.Errorf("toggle %s failed", what)
		}
		return nil
	}
}

// Status is a snapshot of the current call.
type Status struct {
	State       call.State `json:"state"`
	CallID      string     `json:"call_id,omitempty"`
	Inbound     bool       `json:"inbound"`
	Destination string     `json:"destination"`
}

func (c *Controller) Status() Status {
	return Status{
		State:       c.session.State(),
		CallID:      c.session.CallID(),
		Inbound:     c.session.Inbound(),
		Destination: c.Config().Destination,
	}
}
