package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func TestSQLitePragmas(t *testing.T) {
	store := newTestSQLiteStore(t)

	var mode string
	if err := store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode failed: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", mode)
	}

	var timeout int
	if err := store.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestCallLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)

	startedAt := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	if err := store.CreateCall(Call{
		ID:          "c1",
		RemoteID:    "remote-1",
		Direction:   DirectionOutbound,
		Destination: "/private/support",
		StartedAt:   startedAt,
	}); err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	entries := []chat.Entry{
		{Type: chat.SpeakerAI, Text: "How can I help?", State: chat.Complete},
		{Type: chat.SpeakerUser, Text: "  ", State: chat.Complete},
		{Type: chat.SpeakerUser, Text: "Book a table.", State: chat.Complete},
	}
	if err := store.ReplaceTranscript("c1", entries); err != nil {
		t.Fatalf("ReplaceTranscript failed: %v", err)
	}
	if err := store.EndCall("c1", startedAt.Add(90*time.Second), "hangup"); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if err := store.UpdateSummary("c1", "## Summary\n- booked", SummaryCompleted); err != nil {
		t.Fatalf("UpdateSummary failed: %v", err)
	}

	c, err := store.GetCall("c1")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if c.Status != "ended" || c.EndReason != "hangup" || c.RemoteID != "remote-1" {
		t.Fatalf("unexpected call %+v", c)
	}
	if c.EndedAt == nil || c.EndedAt.Sub(c.StartedAt) != 90*time.Second {
		t.Fatalf("expected 90s duration, got %+v", c.EndedAt)
	}
	if c.SummaryStatus != SummaryCompleted {
		t.Fatalf("expected summary completed, got %q", c.SummaryStatus)
	}

	got, err := store.GetTranscript("c1")
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected blank entries to be skipped, got %+v", got)
	}
	if got[1].Type != chat.SpeakerUser || got[1].Text != "Book a table." {
		t.Fatalf("unexpected entry %+v", got[1])
	}

	if err := store.ReplaceTranscript("c1", entries[:1]); err != nil {
		t.Fatalf("ReplaceTranscript failed: %v", err)
	}
	got, _ = store.GetTranscript("c1")
	if len(got) != 1 {
		t.Fatalf("expected transcript to be replaced, got %+v", got)
	}
}

func TestCallsByDate(t *testing.T) {
	store := newTestSQLiteStore(t)

	day1 := time.Date(2026, 2, 26, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)
	for i, c := range []Call{
		{ID: "a", Direction: DirectionOutbound, StartedAt: day1},
		{ID: "b", Direction: DirectionInbound, StartedAt: day1.Add(time.Hour)},
		{ID: "c", Direction: DirectionOutbound, StartedAt: day2},
	} {
		if err := store.CreateCall(c); err != nil {
			t.Fatalf("CreateCall %d failed: %v", i, err)
		}
	}

	calls, err := store.GetCallsByDate("2026-02-26")
	if err != nil {
		t.Fatalf("GetCallsByDate failed: %v", err)
	}
	if len(calls) != 2 || calls[0].ID != "b" {
		t.Fatalf("expected newest first for the day, got %+v", calls)
	}

	dates, err := store.GetDates()
	if err != nil {
		t.Fatalf("GetDates failed: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2026-02-27" {
		t.Fatalf("unexpected dates %v", dates)
	}
}

func TestEndUnknownCall(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.EndCall("missing", time.Now(), "hangup"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if err := store.CreateCall(Call{}); err == nil {
		t.Fatal("expected error for empty call id")
	}
}

func TestClaimSummaryRequestOnce(t *testing.T) {
	store := newTestSQLiteStore(t)

	first, err := store.ClaimSummaryRequest("c1", "hash")
	if err != nil || !first {
		t.Fatalf("expected first claim to succeed, got %v %v", first, err)
	}
	second, err := store.ClaimSummaryRequest("c1", "hash")
	if err != nil || second {
		t.Fatalf("expected second claim to be refused, got %v %v", second, err)
	}
	other, _ := store.ClaimSummaryRequest("c1", "other")
	if !other {
		t.Fatal("expected a different transcript hash to be claimable")
	}
}

func TestKVScopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	local, session := store.Local(), store.Session()
	if err := local.Set("k", "durable"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := session.Set("k", "ephemeral"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := local.Set("k", "durable-2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	if v, ok, _ := local.Get("k"); !ok || v != "durable-2" {
		t.Fatalf("expected local value, got %q %v", v, ok)
	}
	if v, ok, _ := session.Get("k"); !ok || v != "ephemeral" {
		t.Fatalf("expected session value, got %q %v", v, ok)
	}
	_ = store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, ok, _ := store.Session().Get("k"); ok {
		t.Fatal("expected session scope to be cleared on open")
	}
	if v, ok, _ := store.Local().Get("k"); !ok || v != "durable-2" {
		t.Fatalf("expected local value to survive reopen, got %q %v", v, ok)
	}

	if err := store.Local().Remove("k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, _ := store.Local().Get("k"); ok {
		t.Fatal("expected key to be removed")
	}
}
