package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
)

func TestWriterAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	started := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)
	ended := started.Add(2 * time.Minute)
	c := Call{
		ID:          "c1",
		Direction:   DirectionOutbound,
		Destination: "/private/support",
		StartedAt:   started,
		EndedAt:     &ended,
		EndReason:   "hangup",
	}
	entries := []chat.Entry{
		{Type: chat.SpeakerAI, Text: "Hello, how can I help?", State: chat.Complete},
		{Type: chat.SpeakerUser, Text: "I need to", State: chat.Partial},
	}

	if err := w.Append(c, entries); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := filepath.Join(dir, "2026-02-26.md")
	if w.PathFor(started) != path {
		t.Fatalf("expected path %s, got %s", path, w.PathFor(started))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	for _, want := range []string{
		"## 10:30:00 outbound call /private/support",
		"(hangup), 2m0s",
		"**Agent:** Hello, how can I help?",
		"**Caller:** I need to _(cut off)_",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("expected %q in content, got: %s", want, content)
		}
	}
}

func TestWriterMultipleAppends(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)

	_ = w.Append(Call{ID: "a", RemoteID: "r1", StartedAt: ts}, []chat.Entry{{Type: chat.SpeakerUser, Text: "First."}})
	_ = w.Append(Call{ID: "b", RemoteID: "r2", StartedAt: ts}, []chat.Entry{{Type: chat.SpeakerUser, Text: "Second."}})

	data, _ := os.ReadFile(filepath.Join(dir, "2026-02-26.md"))
	if strings.Count(string(data), "## ") != 2 {
		t.Fatalf("expected two call sections, got: %s", data)
	}
}
