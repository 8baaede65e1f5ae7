package device

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultPreferenceTTL is how long a saved device choice stays usable.
const DefaultPreferenceTTL = 30 * 24 * time.Hour

const (
	preferenceKeyPrefix = "device.preference."
	autoGainKey         = "audio.auto_gain_control"
	noiseSuppressionKey = "audio.noise_suppression"
)

type Preference struct {
	DeviceID  string    `json:"device_id"`
	Label     string    `json:"label"`
	GroupID   string    `json:"group_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPreference(d Device, now time.Time) Preference {
	return Preference{
		DeviceID:  d.ID,
		Label:     d.Label,
		GroupID:   d.GroupID,
		Kind:      d.Kind,
		Timestamp: now.UTC(),
	}
}

func (p Preference) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(p.Timestamp) > ttl
}

// FindBestMatch resolves a saved preference against the current devices
// using DefaultPreferenceTTL.
func FindBestMatch(pref *Preference, candidates []Device, now time.Time) (Device, bool) {
	return findBestMatch(pref, candidates, now, DefaultPreferenceTTL)
}

// Match order is fixed: exact id, exact label, group id, fuzzy label.
func findBestMatch(pref *Preference, candidates []Device, now time.Time, ttl time.Duration) (Device, bool) {
	if pref == nil || pref.Expired(now, ttl) {
		return Device{}, false
	}

	sameKind := func(d Device) bool { return pref.Kind == "" || d.Kind == pref.Kind }

	if pref.DeviceID != "" {
		for _, d := range candidates {
			if d.ID == pref.DeviceID && sameKind(d) {
				return d, true
			}
		}
	}
	if pref.Label != "" {
		for _, d := range candidates {
			if d.Label == pref.Label && sameKind(d) {
				return d, true
			}
		}
	}
	if pref.GroupID != "" {
		for _, d := range candidates {
			if d.GroupID == pref.GroupID && sameKind(d) {
				return d, true
			}
		}
	}
	if want := normalizeLabel(pref.Label); want != "" {
		for _, d := range candidates {
			if !sameKind(d) {
				continue
			}
			if got := normalizeLabel(d.Label); fuzzyEqual(want, got) {
				return d, true
			}
		}
	}
	return Device{}, false
}

var (
	usbIDPattern    = regexp.MustCompile(`\([0-9a-fA-F]{4}:[0-9a-fA-F]{4}\)`)
	nonAlnumPattern = regexp.MustCompile(`[^a-z0-9]+`)
	labelPrefixes   = []string{"default - ", "communications - "}
)

func normalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	for _, p := range labelPrefixes {
		s = strings.TrimPrefix(s, p)
	}
	s = usbIDPattern.ReplaceAllString(s, " ")
	s = nonAlnumPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func fuzzyEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func preferenceKey(kind Kind) string {
	return preferenceKeyPrefix + string(kind)
}

func loadPreference(kv KV, kind Kind) (*Preference, error) {
	raw, ok, err := kv.Get(preferenceKey(kind))
	if err != nil {
		return nil, fmt.Errorf("read %s preference: %w", kind, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var p Preference
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode %s preference: %w", kind, err)
	}
	if p.Kind == "" {
		p.Kind = kind
	}
	return &p, nil
}

func savePreference(kv KV, p Preference) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s preference: %w", p.Kind, err)
	}
	if err := kv.Set(preferenceKey(p.Kind), string(data)); err != nil {
		return fmt.Errorf("write %s preference: %w", p.Kind, err)
	}
	return nil
}

func loadFlag(kv KV, key string) (bool, error) {
	raw, ok, err := kv.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return raw == "true", nil
}

func saveFlag(kv KV, key string, on bool) error {
	val := "false"
	if on {
		val = "true"
	}
	return kv.Set(key, val)
}
