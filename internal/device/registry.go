// Package device keeps the local media devices of a widget reconciled with
// the live call: enumeration, persisted choices, hot-swap and muting.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metrics receives device failure counts. All methods must be nil-safe on
// the implementation side; the registry skips a nil Metrics.
type Metrics interface {
	DeviceSwitchFailed(kind string)
	MuteFallback(target string)
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithPreferenceTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

type Registry struct {
	platform Platform
	store    KV
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
	metrics  Metrics

	// toggleMu serialises mute toggles from reading the flag to storing it.
	toggleMu sync.Mutex

	mu          sync.Mutex
	state       State
	session     Session
	localTracks map[TrackKind]Track
	watcher     Watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	onChange    func(State)
}

func NewRegistry(platform Platform, store KV, opts ...Option) *Registry {
	r := &Registry{
		platform:    platform,
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		ttl:         DefaultPreferenceTTL,
		localTracks: map[TrackKind]Track{},
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.store != nil {
		agc, err := loadFlag(r.store, autoGainKey)
		if err != nil {
			r.logger.Warn("device: load audio setting failed", "setting", autoGainKey, "error", err)
		}
		ns, err := loadFlag(r.store, noiseSuppressionKey)
		if err != nil {
			r.logger.Warn("device: load audio setting failed", "setting", noiseSuppressionKey, "error", err)
		}
		r.state.AutoGainControl = agc
		r.state.NoiseSuppression = ns
	}
	return r
}

// OnChange registers a callback fired after every state change.
func (r *Registry) OnChange(fn func(State)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// GetPermissions requests a throwaway stream so the platform prompts for
// access and exposes device labels. The stream is always released.
func (r *Registry) GetPermissions(ctx context.Context, wantsVideo bool) error {
	r.mu.Lock()
	c := Constraints{Audio: &TrackConstraints{
		AutoGainControl:  r.state.AutoGainControl,
		NoiseSuppression: r.state.NoiseSuppression,
	}}
	r.mu.Unlock()
	if wantsVideo {
		c.Video = &TrackConstraints{}
	}

	stream, err := r.platform.GetUserMedia(ctx, c)
	if err != nil {
		perr := classifyMediaError(err)
		r.logger.Warn("device: permission request failed", "name", perr.Name, "error", err)
		return perr
	}
	if stream != nil {
		defer stream.Stop()
	}

	devices, err := r.platform.EnumerateDevices(ctx)
	if err != nil {
		r.logger.Warn("device: enumerate after permission failed", "error", err)
		return nil
	}
	r.mu.Lock()
	r.reconcile(devices, nil)
	r.mu.Unlock()
	r.notify()
	return nil
}

// Setup binds the registry to a live call and starts watching for device
// changes.
func (r *Registry) Setup(ctx context.Context, session Session) error {
	r.stopWatcher()

	devices, err := r.platform.EnumerateDevices(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	r.mu.Lock()
	r.session = session
	r.localTracks = map[TrackKind]Track{}
	live := map[Kind]string{}
	if session != nil {
		local := session.LocalStream()
		for _, kind := range []TrackKind{TrackAudio, TrackVideo} {
			if tracks := TracksOf(local, kind); len(tracks) > 0 {
				r.localTracks[kind] = tracks[0]
				if id := tracks[0].Settings().DeviceID; id != "" {
					live[deviceKindFor(kind)] = id
				}
			}
		}
	}
	r.reconcile(devices, live)
	r.state.VideoAspectRatio = aspectRatio(r.localTracks[TrackVideo])
	audioMuted, videoMuted := r.state.AudioMuted, r.state.VideoMuted
	r.mu.Unlock()

	// mute state chosen before the call was bound still applies
	if audioMuted {
		r.reapplyMute(ctx, TrackAudio)
	}
	if videoMuted {
		r.reapplyMute(ctx, TrackVideo)
	}

	r.startWatcher(ctx)
	r.notify()
	return nil
}

// Refresh re-enumerates devices, drops vanished selections and re-mutes
// tracks the user had muted.
func (r *Registry) Refresh(ctx context.Context) error {
	devices, err := r.platform.EnumerateDevices(ctx)
	if err != nil {
		r.logger.Warn("device: refresh enumerate failed", "error", err)
		return fmt.Errorf("enumerate devices: %w", err)
	}

	r.mu.Lock()
	before := map[Kind]string{}
	for _, kind := range Kinds {
		if d := r.selected(kind); d != nil {
			before[kind] = d.ID
		}
	}
	r.reconcile(devices, nil)
	session := r.session
	var switched []Device
	for _, kind := range Kinds {
		d := r.selected(kind)
		if d != nil && before[kind] != "" && before[kind] != d.ID {
			switched = append(switched, *d)
		}
	}
	agc, ns := r.state.AutoGainControl, r.state.NoiseSuppression
	audioMuted, videoMuted := r.state.AudioMuted, r.state.VideoMuted
	r.mu.Unlock()

	if session != nil {
		for _, d := range switched {
			if err := r.switchDevice(ctx, session, d, agc, ns); err != nil {
				r.logger.Warn("device: fallback switch failed", "kind", d.Kind, "device", d.Label, "error", err)
			} else {
				r.rebindTracks(session)
			}
		}
		if audioMuted {
			r.reapplyMute(ctx, TrackAudio)
		}
		if videoMuted {
			r.reapplyMute(ctx, TrackVideo)
		}
	}

	r.notify()
	return nil
}

func (r *Registry) UpdateMicrophone(ctx context.Context, deviceID string) bool {
	return r.updateDevice(ctx, AudioInput, deviceID)
}

func (r *Registry) UpdateCamera(ctx context.Context, deviceID string) bool {
	return r.updateDevice(ctx, VideoInput, deviceID)
}

func (r *Registry) UpdateSpeaker(ctx context.Context, deviceID string) bool {
	return r.updateDevice(ctx, AudioOutput, deviceID)
}

func (r *Registry) updateDevice(ctx context.Context, kind Kind, deviceID string) bool {
	r.mu.Lock()
	dev, ok := r.find(kind, deviceID)
	session := r.session
	agc, ns := r.state.AutoGainControl, r.state.NoiseSuppression
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("device: switch rejected", "kind", kind, "device_id", deviceID, "error", ErrUnknownDevice)
		r.switchFailed(kind)
		return false
	}

	if session != nil {
		if err := r.switchDevice(ctx, session, dev, agc, ns); err != nil {
			r.logger.Error("device: switch failed", "kind", kind, "device", dev.Label, "error", err)
			r.switchFailed(kind)
			return false
		}
	}

	r.mu.Lock()
	r.setSelected(kind, &dev)
	muted := (kind == AudioInput && r.state.AudioMuted) || (kind == VideoInput && r.state.VideoMuted)
	r.mu.Unlock()

	if session != nil {
		r.rebindTracks(session)
		if muted {
			r.reapplyMute(ctx, trackKindFor(kind))
		}
	}

	r.persist(dev)
	r.notify()
	return true
}

// ApplySavedDevicePreferences re-applies matched preferences once the call is
// live; the dial may have started on default devices.
func (r *Registry) ApplySavedDevicePreferences(ctx context.Context) {
	if r.store == nil {
		return
	}
	for _, kind := range Kinds {
		pref, err := loadPreference(r.store, kind)
		if err != nil {
			r.logger.Warn("device: load preference failed", "kind", kind, "error", err)
			continue
		}
		r.mu.Lock()
		candidates := r.ofKind(kind)
		r.mu.Unlock()

		match, ok := findBestMatch(pref, candidates, r.now(), r.ttl)
		if !ok {
			continue
		}
		if !r.updateDevice(ctx, kind, match.ID) {
			r.logger.Warn("device: saved preference not applied", "kind", kind, "device", match.Label)
		}
	}
}

func (r *Registry) ToggleAudio(ctx context.Context) bool {
	return r.toggle(ctx, TrackAudio)
}

func (r *Registry) ToggleVideo(ctx context.Context) bool {
	return r.toggle(ctx, TrackVideo)
}

// ToggleSpeaker deafens or undeafens the call.
func (r *Registry) ToggleSpeaker(ctx context.Context) bool {
	return r.toggle(ctx, "")
}

// toggle with kind "" targets the speaker.
func (r *Registry) toggle(ctx context.Context, kind TrackKind) bool {
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()

	r.mu.Lock()
	muted := r.mutedFor(kind)
	strategies := r.strategies(kind)
	bound := r.session != nil
	r.mu.Unlock()

	want := !muted
	if bound {
		target := targetName(kind)
		err := applyMute(ctx, strategies, want, func(name string, err error) {
			r.logger.Warn("device: mute strategy failed, falling back", "target", target, "strategy", name, "error", err)
			if r.metrics != nil {
				r.metrics.MuteFallback(target)
			}
		})
		if err != nil {
			r.logger.Error("device: mute toggle failed", "target", target, "muted", want, "error", err)
			return false
		}
	}

	r.mu.Lock()
	r.setMuted(kind, want)
	r.mu.Unlock()
	r.notify()
	return true
}

func (r *Registry) SetAutoGainControl(ctx context.Context, on bool) {
	r.setAudioSetting(ctx, autoGainKey, on)
}

func (r *Registry) SetNoiseSuppression(ctx context.Context, on bool) {
	r.setAudioSetting(ctx, noiseSuppressionKey, on)
}

func (r *Registry) setAudioSetting(ctx context.Context, key string, on bool) {
	r.mu.Lock()
	if key == autoGainKey {
		r.state.AutoGainControl = on
	} else {
		r.state.NoiseSuppression = on
	}
	session := r.session
	mic := r.state.Microphone
	agc, ns := r.state.AutoGainControl, r.state.NoiseSuppression
	r.mu.Unlock()

	if r.store != nil {
		if err := saveFlag(r.store, key, on); err != nil {
			r.logger.Warn("device: persist audio setting failed", "setting", key, "error", err)
		}
	}
	if session != nil && mic != nil {
		if err := r.switchDevice(ctx, session, *mic, agc, ns); err != nil {
			r.logger.Warn("device: apply audio setting failed", "setting", key, "error", err)
		} else {
			r.rebindTracks(session)
		}
	}
	r.notify()
}

// Reset unbinds the registry from the call. Device selection and audio
// settings survive; mute flags and track state do not.
func (r *Registry) Reset() {
	r.stopWatcher()

	r.mu.Lock()
	r.session = nil
	r.localTracks = map[TrackKind]Track{}
	r.state.AudioMuted = false
	r.state.VideoMuted = false
	r.state.SpeakerMuted = false
	r.state.VideoAspectRatio = nil
	r.mu.Unlock()
	r.notify()
}

// Close stops the device watcher.
func (r *Registry) Close() error {
	r.stopWatcher()
	return nil
}

func (r *Registry) startWatcher(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := r.platform.WatchDevices(watchCtx)
	if err != nil {
		cancel()
		r.logger.Warn("device: watcher unavailable", "error", err)
		return
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.watcher = w
	r.watchCancel = cancel
	r.watchDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-w.Changes():
				if !ok {
					return
				}
				_ = r.Refresh(watchCtx)
			}
		}
	}()
}

func (r *Registry) stopWatcher() {
	r.mu.Lock()
	w, cancel, done := r.watcher, r.watchCancel, r.watchDone
	r.watcher, r.watchCancel, r.watchDone = nil, nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		if err := w.Close(); err != nil {
			r.logger.Warn("device: close watcher failed", "error", err)
		}
	}
	if done != nil {
		<-done
	}
}

func (r *Registry) switchDevice(ctx context.Context, s Session, d Device, agc, ns bool) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("device switch panicked: %v", rec)
		}
	}()
	switch d.Kind {
	case AudioInput:
		return s.UpdateMicrophone(ctx, TrackConstraints{DeviceID: d.ID, AutoGainControl: agc, NoiseSuppression: ns})
	case VideoInput:
		return s.UpdateCamera(ctx, d.ID)
	case AudioOutput:
		return s.UpdateSpeaker(ctx, d.ID)
	}
	return fmt.Errorf("%w: kind %q", ErrUnknownDevice, d.Kind)
}

// rebindTracks picks up tracks replaced by a device switch.
func (r *Registry) rebindTracks(s Session) {
	local := s.LocalStream()
	r.mu.Lock()
	for _, kind := range []TrackKind{TrackAudio, TrackVideo} {
		if tracks := TracksOf(local, kind); len(tracks) > 0 {
			r.localTracks[kind] = tracks[0]
		}
	}
	r.state.VideoAspectRatio = aspectRatio(r.localTracks[TrackVideo])
	r.mu.Unlock()
}

func (r *Registry) reapplyMute(ctx context.Context, kind TrackKind) {
	r.mu.Lock()
	strategies := r.strategies(kind)
	r.mu.Unlock()
	if err := applyMute(ctx, strategies, true, nil); err != nil {
		r.logger.Warn("device: re-mute failed", "target", targetName(kind), "error", err)
	}
}

// strategies must be called with mu held.
func (r *Registry) strategies(kind TrackKind) []MuteStrategy {
	s := r.session
	if s == nil {
		return nil
	}
	switch kind {
	case TrackAudio:
		return []MuteStrategy{
			CallLevelMute{Mute: s.AudioMute, Unmute: s.AudioUnmute},
			LocalTrackMute{Track: r.localTracks[TrackAudio]},
			StreamTrackMute{Stream: s.LocalStream, Kind: TrackAudio},
		}
	case TrackVideo:
		return []MuteStrategy{
			CallLevelMute{Mute: s.VideoMute, Unmute: s.VideoUnmute},
			LocalTrackMute{Track: r.localTracks[TrackVideo]},
			StreamTrackMute{Stream: s.LocalStream, Kind: TrackVideo},
		}
	default:
		return []MuteStrategy{
			CallLevelMute{Mute: s.Deaf, Unmute: s.Undeaf},
			StreamTrackMute{Stream: s.RemoteStream, Kind: TrackAudio},
		}
	}
}

// reconcile must be called with mu held. live maps a kind to the device the
// call is actually using.
func (r *Registry) reconcile(devices []Device, live map[Kind]string) {
	r.state.Devices = append([]Device(nil), devices...)

	for _, kind := range Kinds {
		candidates := r.ofKind(kind)
		if len(candidates) == 0 {
			r.setSelected(kind, nil)
			continue
		}

		if cur := r.selected(kind); cur != nil {
			if d, ok := r.find(kind, cur.ID); ok {
				r.setSelected(kind, &d)
				continue
			}
		}

		if r.store != nil {
			pref, err := loadPreference(r.store, kind)
			if err != nil {
				r.logger.Warn("device: load preference failed", "kind", kind, "error", err)
			}
			if d, ok := findBestMatch(pref, candidates, r.now(), r.ttl); ok {
				r.setSelected(kind, &d)
				continue
			}
		}

		if id := live[kind]; id != "" {
			if d, ok := r.find(kind, id); ok {
				r.setSelected(kind, &d)
				continue
			}
		}

		first := candidates[0]
		r.setSelected(kind, &first)
	}
}

func (r *Registry) persist(d Device) {
	if r.store == nil {
		return
	}
	if err := savePreference(r.store, NewPreference(d, r.now())); err != nil {
		r.logger.Warn("device: persist preference failed", "kind", d.Kind, "error", err)
	}
}

func (r *Registry) switchFailed(kind Kind) {
	if r.metrics != nil {
		r.metrics.DeviceSwitchFailed(string(kind))
	}
}

func (r *Registry) notify() {
	r.mu.Lock()
	fn := r.onChange
	st := r.snapshot()
	r.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (r *Registry) snapshot() State {
	st := r.state
	st.Devices = append([]Device(nil), r.state.Devices...)
	st.Microphone = copyDevice(r.state.Microphone)
	st.Camera = copyDevice(r.state.Camera)
	st.Speaker = copyDevice(r.state.Speaker)
	if r.state.VideoAspectRatio != nil {
		v := *r.state.VideoAspectRatio
		st.VideoAspectRatio = &v
	}
	return st
}

func (r *Registry) ofKind(kind Kind) []Device {
	var out []Device
	for _, d := range r.state.Devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) find(kind Kind, id string) (Device, bool) {
	for _, d := range r.state.Devices {
		if d.Kind == kind && d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

func (r *Registry) selected(kind Kind) *Device {
	switch kind {
	case AudioInput:
		return r.state.Microphone
	case VideoInput:
		return r.state.Camera
	case AudioOutput:
		return r.state.Speaker
	}
	return nil
}

func (r *Registry) setSelected(kind Kind, d *Device) {
	switch kind {
	case AudioInput:
		r.state.Microphone = d
	case VideoInput:
		r.state.Camera = d
	case AudioOutput:
		r.state.Speaker = d
	}
}

func (r *Registry) mutedFor(kind TrackKind) bool {
	switch kind {
	case TrackAudio:
		return r.state.AudioMuted
	case TrackVideo:
		return r.state.VideoMuted
	}
	return r.state.SpeakerMuted
}

func (r *Registry) setMuted(kind TrackKind, muted bool) {
	switch kind {
	case TrackAudio:
		r.state.AudioMuted = muted
	case TrackVideo:
		r.state.VideoMuted = muted
	default:
		r.state.SpeakerMuted = muted
	}
}

func aspectRatio(t Track) *float64 {
	if t == nil {
		return nil
	}
	s := t.Settings()
	ratio := s.AspectRatio
	if ratio <= 0 && s.Width > 0 && s.Height > 0 {
		ratio = float64(s.Width) / float64(s.Height)
	}
	if ratio <= 0 {
		return nil
	}
	return &ratio
}

func copyDevice(d *Device) *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func deviceKindFor(k TrackKind) Kind {
	if k == TrackVideo {
		return VideoInput
	}
	return AudioInput
}

func trackKindFor(k Kind) TrackKind {
	if k == VideoInput {
		return TrackVideo
	}
	return TrackAudio
}

func targetName(k TrackKind) string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	}
	return "speaker"
}
