// Package call drives the lifecycle of a single remote call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/device"
)

// DefaultPurgeKeys are the cached short-lived auth tokens removed from
// session storage before every dial. The relay platform caches its session
// token under the first one.
var DefaultPurgeKeys = []string{"ci-SAT", "as-SAT", "pt-SAT"}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSessionStore sets the storage purged of cached tokens before a dial.
func WithSessionStore(kv device.KV, keys ...string) Option {
	return func(s *Session) {
		s.sessionKV = kv
		if len(keys) > 0 {
			s.purgeKeys = keys
		}
	}
}

func WithBeforeDialTimeout(d time.Duration) Option {
	return func(s *Session) { s.interceptTimeout = d }
}

func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

type Session struct {
	platform         Platform
	hooks            Hooks
	logger           *slog.Logger
	now              func() time.Time
	sessionKV        device.KV
	purgeKeys        []string
	interceptTimeout time.Duration
	metrics          Metrics

	mu         sync.Mutex
	state      State
	client     Client
	token      string
	remote     Remote
	gen        uint64
	ending     bool
	started    bool
	inbound    bool
	startedAt  time.Time
	reducer    *chat.Reducer
	videoShown bool
}

func NewSession(platform Platform, hooks Hooks, opts ...Option) *Session {
	s := &Session{
		platform:  platform,
		hooks:     hooks,
		logger:    slog.Default(),
		now:       time.Now,
		purgeKeys: DefaultPurgeKeys,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remote returns the live call, or nil when idle.
func (s *Session) Remote() Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Inbound reports whether the current call was adopted rather than dialed.
func (s *Session) Inbound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return ""
	}
	return s.remote.ID()
}

// History returns the transcript of the current call.
func (s *Session) History() []chat.Entry {
	s.mu.Lock()
	r := s.reducer
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.History()
}

// Connect authenticates once per token and returns the shared client. A
// client whose connection was lost is replaced.
func (s *Session) Connect(ctx context.Context, token string) (Client, error) {
	s.mu.Lock()
	if s.client != nil && s.token == token {
		c := s.client
		if !clientDone(c) {
			s.mu.Unlock()
			return c, nil
		}
		s.logger.Info("call: client connection lost, authenticating again")
	}
	old := s.client
	s.client = nil
	s.mu.Unlock()

	client, err := s.platform.Authenticate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.token = token
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("call: close previous client failed", "error", err)
		}
	}
	return client, nil
}

func clientDone(c Client) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Dial creates the remote call. The call is not started; see Start.
func (s *Session) Dial(ctx context.Context, token string, p DialParams) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.logger.Info("call: dial ignored, call in progress")
		return ErrBusy
	}
	s.state = StateInitializing
	s.inbound = false
	gen := s.gen
	s.mu.Unlock()

	client, err := s.Connect(ctx, token)
	if err != nil {
		s.abortDial(gen, "authenticate")
		return err
	}

	if v := Intercept(ctx, s.interceptTimeout, s.beforeDial(p)); v == Reject {
		s.logger.Info("call: dial rejected by interceptor", "destination", p.Destination)
		s.abortDial(gen, "intercepted")
		return ErrDialRejected
	}

	s.purgeSessionKeys()

	if !s.transition(gen, StateInitializing, StateDialing) {
		return ErrAborted
	}

	remote, err := client.Dial(ctx, p)
	if err != nil {
		s.abortDial(gen, "dial")
		return fmt.Errorf("dial %s: %w", p.Destination, err)
	}

	if !s.attach(gen, remote) {
		// ended while dialing
		if err := remote.Hangup(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("call: hangup of aborted dial failed", "error", err)
		}
		stopTracks(remote)
		return ErrAborted
	}

	s.logger.Info("call: dialed", "call_id", remote.ID(), "destination", p.Destination)
	return nil
}

// Adopt takes over a call obtained outside Dial, such as an accepted invite.
func (s *Session) Adopt(remote Remote) error {
	if remote == nil {
		return ErrNoCall
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateDialing
	s.inbound = true
	gen := s.gen
	s.mu.Unlock()

	if !s.attach(gen, remote) {
		return ErrAborted
	}
	s.logger.Info("call: adopted", "call_id", remote.ID())
	return nil
}

// Start begins media transmission on the dialed call.
func (s *Session) Start(ctx context.Context) error {
	remote := s.Remote()
	if remote == nil {
		return ErrNoCall
	}
	if err := remote.Start(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.DialFailed("start")
		}
		return fmt.Errorf("start call %s: %w", remote.ID(), err)
	}
	return nil
}

// EndCall hangs up and cleans up. Concurrent and repeated calls are no-ops
// while one is running.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.end(ctx, gen, ReasonHangup, false)
}

// EndCallWithReason is EndCall with a caller-supplied reason.
func (s *Session) EndCallWithReason(ctx context.Context, reason string) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.end(ctx, gen, reason, false)
}

// Reset tears the call down without hanging up.
func (s *Session) Reset() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	_ = s.end(context.Background(), gen, ReasonReset, true)
}

// InjectChatEvent feeds a locally produced speech event into the transcript
// of the current call.
func (s *Session) InjectChatEvent(ev chat.Event) {
	s.mu.Lock()
	r := s.reducer
	s.mu.Unlock()
	if r != nil {
		r.Apply(ev)
	}
}

// Close ends any call and releases the client.
func (s *Session) Close() error {
	err := s.EndCall(context.Background())

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.token = ""
	s.mu.Unlock()

	if client != nil {
		err = errors.Join(err, client.Close())
	}
	return err
}

func (s *Session) end(ctx context.Context, gen uint64, reason string, destroyed bool) error {
	s.mu.Lock()
	if gen != s.gen || s.ending {
		s.mu.Unlock()
		return nil
	}
	if s.remote == nil {
		if s.state == StateInitializing || s.state == StateDialing {
			// cancels the pending dial
			s.gen++
			s.state = StateIdle
		}
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	s.state = StateEnding
	remote := s.remote
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ending = false
		s.mu.Unlock()
	}()

	var hangupErr error
	if !destroyed {
		hangupErr = safeHangup(ctx, remote)
		if hangupErr != nil {
			s.logger.Warn("call: hangup failed", "call_id", remote.ID(), "error", hangupErr)
		}
	}

	s.cleanup(gen, reason)
	return hangupErr
}

func (s *Session) cleanup(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.gen || s.remote == nil {
		s.mu.Unlock()
		return
	}
	remote := s.remote
	info := EndInfo{
		CallID:    remote.ID(),
		Reason:    reason,
		Started:   s.started,
		Inbound:   s.inbound,
		StartedAt: s.startedAt,
		EndedAt:   s.now().UTC(),
	}
	if s.reducer != nil {
		info.History = s.reducer.History()
	}
	s.remote = nil
	s.reducer = nil
	s.started = false
	s.inbound = false
	s.startedAt = time.Time{}
	s.videoShown = false
	s.state = StateIdle
	s.gen++
	s.mu.Unlock()

	stopTracks(remote)

	var duration time.Duration
	if info.Started {
		duration = info.EndedAt.Sub(info.StartedAt)
	}
	if s.metrics != nil {
		s.metrics.CallEnded(reason, info.Started, duration)
	}
	s.logger.Info("call: ended", "call_id", info.CallID, "reason", reason, "duration", duration)

	if s.hooks.OnEnded != nil {
		s.hooks.OnEnded(info)
	}
}

// attach binds remote as the current call. It returns false when the dial
// was cancelled in the meantime.
func (s *Session) attach(gen uint64, remote Remote) bool {
	s.mu.Lock()
	if gen != s.gen || s.state != StateDialing {
		s.mu.Unlock()
		return false
	}
	s.gen++
	current := s.gen
	s.remote = remote
	s.reducer = chat.NewReducer(s.hooks.OnChatChange)
	s.started = false
	s.videoShown = false
	s.mu.Unlock()

	remote.On(EventJoined, func(Event) { s.handleStarted(current) })
	remote.On(EventActive, func(Event) { s.handleStarted(current) })
	remote.On(EventDestroy, func(Event) {
		_ = s.end(context.Background(), current, ReasonRemote, true)
	})
	remote.On(EventError, func(ev Event) { s.handleError(current, ev) })
	remote.On(EventLocalReady, func(Event) { s.handleLocalReady(current) })
	for _, typ := range chat.EventTypes {
		remote.On(string(typ), func(ev Event) { s.handleChat(current, ev) })
	}
	return true
}

func (s *Session) handleStarted(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.started || s.remote == nil || s.state != StateDialing {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.startedAt = s.now().UTC()
	s.state = StateActive
	id := s.remote.ID()
	s.mu.Unlock()

	s.logger.Info("call: started", "call_id", id)
	if s.metrics != nil {
		s.metrics.CallStarted()
	}
	if s.hooks.OnStarted != nil {
		s.hooks.OnStarted(id)
	}
	s.revealLocalVideo(gen)
}

func (s *Session) handleLocalReady(gen uint64) {
	s.mu.Lock()
	started := gen == s.gen && s.started
	s.mu.Unlock()
	if started {
		s.revealLocalVideo(gen)
	}
}

// revealLocalVideo hands the local video track out once per call. Without a
// track yet it waits for the next local.ready event.
func (s *Session) revealLocalVideo(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.videoShown || s.remote == nil {
		s.mu.Unlock()
		return
	}
	tracks := device.TracksOf(s.remote.LocalStream(), device.TrackVideo)
	if len(tracks) == 0 {
		s.mu.Unlock()
		return
	}
	s.videoShown = true
	s.mu.Unlock()

	if s.hooks.OnLocalVideo != nil {
		s.hooks.OnLocalVideo(tracks[0])
	}
}

func (s *Session) handleError(gen uint64, ev Event) {
	s.mu.Lock()
	current := gen == s.gen
	s.mu.Unlock()
	if !current {
		return
	}

	err := fmt.Errorf("%w: %s", ErrRemote, errorMessage(ev.Payload))
	s.logger.Error("call: remote error", "error", err)
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
	_ = s.end(context.Background(), gen, ReasonError, true)
}

func (s *Session) handleChat(gen uint64, ev Event) {
	s.mu.Lock()
	r := s.reducer
	current := gen == s.gen
	s.mu.Unlock()
	if !current || r == nil {
		return
	}

	parsed, err := chat.ParseEvent(ev.Name, ev.Payload)
	if err != nil {
		s.logger.Debug("call: chat event dropped", "event", ev.Name, "error", err)
		return
	}
	r.Apply(parsed)
}

func (s *Session) abortDial(gen uint64, stage string) {
	s.mu.Lock()
	if gen == s.gen && s.remote == nil {
		s.state = StateIdle
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.DialFailed(stage)
	}
}

func (s *Session) transition(gen uint64, from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) beforeDial(p DialParams) func(context.Context) Verdict {
	if s.hooks.BeforeDial == nil {
		return nil
	}
	return func(ctx context.Context) Verdict { return s.hooks.BeforeDial(ctx, p) }
}

func (s *Session) purgeSessionKeys() {
	if s.sessionKV == nil {
		return
	}
	for _, key := range s.purgeKeys {
		if err := s.sessionKV.Remove(key); err != nil {
			s.logger.Warn("call: purge session key failed", "key", key, "error", err)
		}
	}
}

func safeHangup(ctx context.Context, remote Remote) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hangup panicked: %v", r)
		}
	}()
	return remote.Hangup(ctx)
}

func stopTracks(remote Remote) {
	local := remote.LocalStream()
	if local == nil {
		return
	}
	for _, t := range local.Tracks() {
		t.Stop()
	}
}
