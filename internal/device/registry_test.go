package device_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/device/devicetest"
)

var (
	micA    = device.Device{ID: "a", Kind: device.AudioInput, Label: "Mic A", GroupID: "ga"}
	micB    = device.Device{ID: "b", Kind: device.AudioInput, Label: "Mic B", GroupID: "gb"}
	cam     = device.Device{ID: "cam", Kind: device.VideoInput, Label: "Camera", GroupID: "gc"}
	speaker = device.Device{ID: "spk", Kind: device.AudioOutput, Label: "Speakers", GroupID: "gs"}
)

type metricsMock struct {
	mu        sync.Mutex
	fallbacks map[string]int
	failures  map[string]int
}

func newMetricsMock() *metricsMock {
	return &metricsMock{fallbacks: map[string]int{}, failures: map[string]int{}}
}

func (m *metricsMock) MuteFallback(target string) {
	m.mu.Lock()
	m.fallbacks[target]++
	m.mu.Unlock()
}

func (m *metricsMock) DeviceSwitchFailed(kind string) {
	m.mu.Lock()
	m.failures[kind]++
	m.mu.Unlock()
}

func liveSession() (*devicetest.Session, *devicetest.Track, *devicetest.Track) {
	audio := devicetest.NewTrack("audio-a", device.TrackAudio, device.TrackSettings{DeviceID: "a"})
	video := devicetest.NewTrack("video-cam", device.TrackVideo, device.TrackSettings{DeviceID: "cam", Width: 1280, Height: 720})
	remote := devicetest.NewStream(devicetest.NewTrack("remote-audio", device.TrackAudio, device.TrackSettings{}))
	return devicetest.NewSession(devicetest.NewStream(audio, video), remote), audio, video
}

func TestGetPermissionsDeniedIsClassified(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	platform.MediaErr = &device.MediaError{Name: "NotAllowedError", Err: errors.New("user said no")}
	reg := device.NewRegistry(platform, devicetest.NewKV())

	err := reg.GetPermissions(context.Background(), true)

	var perr *device.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if perr.Name != "NotAllowedError" {
		t.Fatalf("expected NotAllowedError, got %q", perr.Name)
	}
	if !strings.Contains(perr.Message, "denied") {
		t.Fatalf("expected access denied message, got %q", perr.Message)
	}
}

func TestGetPermissionsReleasesStream(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam, speaker)
	reg := device.NewRegistry(platform, devicetest.NewKV())

	if err := reg.GetPermissions(context.Background(), true); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}

	streams := platform.Streams()
	if len(streams) != 1 || !streams[0].Stopped() {
		t.Fatal("expected the permission stream to be stopped")
	}
	req := platform.Requests()[0]
	if req.Audio == nil || req.Video == nil {
		t.Fatalf("expected audio and video to be requested, got %+v", req)
	}

	st := reg.State()
	if len(st.Devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(st.Devices))
	}
	if st.Microphone == nil || st.Microphone.ID != "a" || st.Camera == nil || st.Speaker == nil {
		t.Fatalf("expected first-available selections, got %+v", st)
	}
}

func TestSetupComputesAspectRatio(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	defer reg.Close()

	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	st := reg.State()
	if st.VideoAspectRatio == nil {
		t.Fatal("expected aspect ratio")
	}
	if got := *st.VideoAspectRatio; got < 1.77 || got > 1.78 {
		t.Fatalf("expected 16:9 ratio, got %f", got)
	}
}

func TestVanishedDeviceFallsBackToFirstAvailable(t *testing.T) {
	platform := devicetest.NewPlatform(micA, micB)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	defer reg.Close()

	changes := make(chan device.State, 16)
	reg.OnChange(func(st device.State) { changes <- st })

	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if !reg.UpdateMicrophone(context.Background(), "b") {
		t.Fatal("expected switch to b to succeed")
	}
	if got := reg.State().Microphone.ID; got != "b" {
		t.Fatalf("expected b selected, got %q", got)
	}

	platform.SetDevices(micA)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-changes:
			if st.Microphone != nil && st.Microphone.ID == "a" && len(st.Devices) == 1 {
				if session.Mic.DeviceID != "a" {
					t.Fatalf("expected call switched to a, got %q", session.Mic.DeviceID)
				}
				return
			}
		case <-deadline:
			t.Fatalf("selection never fell back, state %+v", reg.State())
		}
	}
}

func TestSelectionClearedWhenNoDeviceOfKind(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	if err := reg.GetPermissions(context.Background(), true); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}

	platform.SetDevices(micA)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if reg.State().Camera != nil {
		t.Fatal("expected camera selection cleared")
	}
}

func TestToggleVideoFallsBackToLocalTrack(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	metrics := newMetricsMock()
	reg := device.NewRegistry(platform, devicetest.NewKV(), device.WithMetrics(metrics))
	defer reg.Close()

	session, _, video := liveSession()
	session.VideoMuteErr = errors.New("video mute unsupported")
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	if !reg.ToggleVideo(context.Background()) {
		t.Fatal("expected toggle to succeed through fallback")
	}
	if video.Enabled() {
		t.Fatal("expected local video track disabled")
	}
	if !reg.State().VideoMuted {
		t.Fatal("expected video muted state")
	}
	if metrics.fallbacks["video"] != 1 {
		t.Fatalf("expected one fallback recorded, got %d", metrics.fallbacks["video"])
	}

	if !reg.ToggleVideo(context.Background()) {
		t.Fatal("expected unmute to succeed")
	}
	if !video.Enabled() || reg.State().VideoMuted {
		t.Fatal("expected video unmuted")
	}
}

func TestConcurrentTogglesAlternate(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	defer reg.Close()

	session, _, _ := liveSession()
	session.MuteDelay = 20 * time.Millisecond
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !reg.ToggleAudio(context.Background()) {
				t.Error("expected toggle to succeed")
			}
		}()
	}
	wg.Wait()

	var mutes []string
	for _, c := range session.Calls() {
		if strings.HasPrefix(c, "audio_") {
			mutes = append(mutes, c)
		}
	}
	if len(mutes) != 2 || mutes[0] != "audio_mute" || mutes[1] != "audio_unmute" {
		t.Fatalf("expected mute then unmute, got %v", mutes)
	}
	if reg.State().AudioMuted {
		t.Fatal("two toggles must leave audio unmuted")
	}
}

func TestToggleFailsWhenEveryStrategyFails(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	defer reg.Close()

	session := devicetest.NewSession(nil, nil)
	session.VideoMuteErr = errors.New("nope")
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	if reg.ToggleVideo(context.Background()) {
		t.Fatal("expected toggle to fail")
	}
	if reg.State().VideoMuted {
		t.Fatal("state must not change on failure")
	}
}

func TestToggleWithoutSessionFlipsState(t *testing.T) {
	reg := device.NewRegistry(devicetest.NewPlatform(micA), devicetest.NewKV())
	if !reg.ToggleAudio(context.Background()) || !reg.State().AudioMuted {
		t.Fatal("expected pre-call audio mute")
	}
	if !reg.ToggleSpeaker(context.Background()) || !reg.State().SpeakerMuted {
		t.Fatal("expected pre-call speaker mute")
	}
}

func TestToggleSpeakerUsesDeaf(t *testing.T) {
	platform := devicetest.NewPlatform(micA, speaker)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	defer reg.Close()

	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if !reg.ToggleSpeaker(context.Background()) {
		t.Fatal("expected deaf to succeed")
	}
	calls := session.Calls()
	if calls[len(calls)-1] != "deaf" {
		t.Fatalf("expected deaf call, got %v", calls)
	}
	for _, tr := range session.RemoteStream().Tracks() {
		if tr.Enabled() {
			t.Fatal("expected remote audio disabled")
		}
	}
}

func TestUpdateDeviceRejectsUnknownOrWrongKind(t *testing.T) {
	platform := devicetest.NewPlatform(micA, cam)
	metrics := newMetricsMock()
	reg := device.NewRegistry(platform, devicetest.NewKV(), device.WithMetrics(metrics))
	if err := reg.GetPermissions(context.Background(), true); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}

	if reg.UpdateMicrophone(context.Background(), "missing") {
		t.Fatal("expected unknown device to be rejected")
	}
	if reg.UpdateMicrophone(context.Background(), "cam") {
		t.Fatal("expected camera id to be rejected for microphone")
	}
	if metrics.failures["audioinput"] != 2 {
		t.Fatalf("expected 2 failures, got %d", metrics.failures["audioinput"])
	}
	if reg.State().Microphone.ID != "a" {
		t.Fatal("selection must not change")
	}
}

func TestUpdateDeviceFailureKeepsSelection(t *testing.T) {
	platform := devicetest.NewPlatform(micA, micB)
	kv := devicetest.NewKV()
	reg := device.NewRegistry(platform, kv)
	defer reg.Close()

	session, _, _ := liveSession()
	session.MicErr = errors.New("overconstrained")
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	if reg.UpdateMicrophone(context.Background(), "b") {
		t.Fatal("expected failure")
	}
	if reg.State().Microphone.ID != "a" {
		t.Fatal("selection must stay on a")
	}
	if _, ok, _ := kv.Get("device.preference.audioinput"); ok {
		t.Fatal("failed switch must not be persisted")
	}
}

func TestUpdateDevicePersistsPreference(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	platform := devicetest.NewPlatform(micA, micB)
	kv := devicetest.NewKV()
	reg := device.NewRegistry(platform, kv, device.WithClock(func() time.Time { return now }))
	if err := reg.GetPermissions(context.Background(), false); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}
	if !reg.UpdateMicrophone(context.Background(), "b") {
		t.Fatal("expected update to succeed")
	}

	raw, ok, _ := kv.Get("device.preference.audioinput")
	if !ok {
		t.Fatal("expected preference persisted")
	}
	var pref device.Preference
	if err := json.Unmarshal([]byte(raw), &pref); err != nil {
		t.Fatalf("decode preference: %v", err)
	}
	if pref.DeviceID != "b" || pref.GroupID != "gb" || !pref.Timestamp.Equal(now) {
		t.Fatalf("unexpected preference %+v", pref)
	}

	next := device.NewRegistry(platform, kv, device.WithClock(func() time.Time { return now.Add(time.Hour) }))
	if err := next.GetPermissions(context.Background(), false); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}
	if got := next.State().Microphone.ID; got != "b" {
		t.Fatalf("expected saved preference b, got %q", got)
	}

	stale := device.NewRegistry(platform, kv, device.WithClock(func() time.Time { return now.Add(31 * 24 * time.Hour) }))
	if err := stale.GetPermissions(context.Background(), false); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}
	if got := stale.State().Microphone.ID; got != "a" {
		t.Fatalf("expected expired preference ignored, got %q", got)
	}
}

func TestApplySavedDevicePreferencesSwitchesLiveCall(t *testing.T) {
	platform := devicetest.NewPlatform(micA, micB)
	kv := devicetest.NewKV()
	seed := device.NewRegistry(platform, kv)
	if err := seed.GetPermissions(context.Background(), false); err != nil {
		t.Fatalf("GetPermissions returned error: %v", err)
	}
	seed.UpdateMicrophone(context.Background(), "b")

	reg := device.NewRegistry(platform, kv)
	defer reg.Close()
	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	reg.ApplySavedDevicePreferences(context.Background())
	if session.Mic.DeviceID != "b" {
		t.Fatalf("expected live call switched to b, got %q", session.Mic.DeviceID)
	}
}

func TestRefreshReappliesMute(t *testing.T) {
	platform := devicetest.NewPlatform(micA, micB)
	reg := device.NewRegistry(platform, devicetest.NewKV())
	defer reg.Close()

	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if !reg.ToggleAudio(context.Background()) {
		t.Fatal("expected mute")
	}

	platform.SetDevices(micB)

	deadline := time.Now().Add(2 * time.Second)
	for {
		tracks := device.TracksOf(session.LocalStream(), device.TrackAudio)
		if len(tracks) == 1 && tracks[0].Settings().DeviceID == "b" && !tracks[0].Enabled() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected muted audio track on b, got %+v", tracks)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !reg.State().AudioMuted {
		t.Fatal("expected audio to stay muted")
	}
}

func TestAudioSettingsPersistAndApply(t *testing.T) {
	platform := devicetest.NewPlatform(micA)
	kv := devicetest.NewKV()
	reg := device.NewRegistry(platform, kv)
	defer reg.Close()

	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	reg.SetAutoGainControl(context.Background(), true)

	if v, _, _ := kv.Get("audio.auto_gain_control"); v != "true" {
		t.Fatalf("expected persisted agc, got %q", v)
	}
	if !session.Mic.AutoGainControl || session.Mic.NoiseSuppression {
		t.Fatalf("expected agc applied to microphone, got %+v", session.Mic)
	}

	next := device.NewRegistry(platform, kv)
	st := next.State()
	if !st.AutoGainControl || st.NoiseSuppression {
		t.Fatalf("expected saved audio settings, got %+v", st)
	}
}

func TestResetKeepsSelectionAndClearsMutes(t *testing.T) {
	platform := devicetest.NewPlatform(micA, micB, cam)
	kv := devicetest.NewKV()
	reg := device.NewRegistry(platform, kv)

	session, _, _ := liveSession()
	if err := reg.Setup(context.Background(), session); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	reg.UpdateMicrophone(context.Background(), "b")
	reg.ToggleAudio(context.Background())
	reg.ToggleVideo(context.Background())
	reg.SetNoiseSuppression(context.Background(), true)

	reg.Reset()

	st := reg.State()
	if st.Microphone == nil || st.Microphone.ID != "b" {
		t.Fatalf("expected selection kept, got %+v", st.Microphone)
	}
	if st.AudioMuted || st.VideoMuted || st.SpeakerMuted {
		t.Fatal("expected mutes cleared")
	}
	if st.VideoAspectRatio != nil {
		t.Fatal("expected aspect ratio cleared")
	}
	if !st.NoiseSuppression {
		t.Fatal("expected audio settings kept")
	}

	// unbound toggles no longer touch the old call
	before := len(session.Calls())
	reg.ToggleAudio(context.Background())
	if len(session.Calls()) != before {
		t.Fatal("reset registry must not drive the previous call")
	}
}
