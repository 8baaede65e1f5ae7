package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/storage"
)

type storeMock struct {
	mu          sync.Mutex
	calls       map[string]storage.Call
	transcripts map[string][]chat.Entry
	summary     map[string]string
	statuses    map[string][]string

	endErr error
}

func newStoreMock() *storeMock {
	return &storeMock{
		calls:       map[string]storage.Call{},
		transcripts: map[string][]chat.Entry{},
		summary:     map[string]string{},
		statuses:    map[string][]string{},
	}
}

func (s *storeMock) CreateCall(c storage.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.ID] = c
	return nil
}

func (s *storeMock) EndCall(id string, endedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr != nil {
		return s.endErr
	}
	c := s.calls[id]
	c.EndedAt = &endedAt
	c.EndReason = reason
	s.calls[id] = c
	return nil
}

func (s *storeMock) ReplaceTranscript(callID string, entries []chat.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[callID] = append([]chat.Entry(nil), entries...)
	return nil
}

func (s *storeMock) UpdateSummary(callID, summary, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary[callID] = summary
	s.statuses[callID] = append(s.statuses[callID], status)
	return nil
}

func (s *storeMock) lastStatus(callID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.statuses[callID]
	if len(list) == 0 {
		return ""
	}
	return list[len(list)-1]
}

type hubMock struct {
	mu       sync.Mutex
	started  []string
	ended    []time.Duration
	summary  []string
	statuses []string
}

func (h *hubMock) BroadcastCallStarted(callID, _, _ string) {
	h.mu.Lock()
	h.started = append(h.started, callID)
	h.mu.Unlock()
}

func (h *hubMock) BroadcastCallEnded(_, _ string, d time.Duration) {
	h.mu.Lock()
	h.ended = append(h.ended, d)
	h.mu.Unlock()
}

func (h *hubMock) BroadcastSummaryReady(_, summary, status string) {
	h.mu.Lock()
	h.summary = append(h.summary, summary)
	h.statuses = append(h.statuses, status)
	h.mu.Unlock()
}

type exporterMock struct {
	mu    sync.Mutex
	calls []storage.Call
	err   error
}

func (e *exporterMock) Append(c storage.Call, _ []chat.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
	return e.err
}

type summarizerFunc func(ctx context.Context, callID string, entries []chat.Entry) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, callID string, entries []chat.Entry) (string, error) {
	return f(ctx, callID, entries)
}

var (
	t0      = time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	history = []chat.Entry{
		{Type: chat.SpeakerAI, Text: "Hello", State: chat.Complete},
		{Type: chat.SpeakerUser, Text: "Hi", State: chat.Complete},
	}
)

func newTestJournal(store *storeMock, hub *hubMock, opts ...Option) *Journal {
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	var b EventBroadcaster
	if hub != nil {
		b = hub
	}
	j := New(store, b, opts...)
	j.newID = func() string { return "rec-1" }
	return j
}

func TestJournalRecordsCall(t *testing.T) {
	store, hub, exporter := newStoreMock(), &hubMock{}, &exporterMock{}
	j := newTestJournal(store, hub, WithExporter(exporter))

	if err := j.CallStarted("remote-1", storage.DirectionOutbound, "/private/support"); err != nil {
		t.Fatalf("CallStarted failed: %v", err)
	}
	err := j.CallEnded(call.EndInfo{
		CallID:    "remote-1",
		Reason:    call.ReasonHangup,
		Started:   true,
		StartedAt: t0.Add(time.Second),
		EndedAt:   t0.Add(61 * time.Second),
		History:   history,
	})
	if err != nil {
		t.Fatalf("CallEnded failed: %v", err)
	}
	j.Wait()

	c := store.calls["rec-1"]
	if c.RemoteID != "remote-1" || c.Destination != "/private/support" || c.EndReason != call.ReasonHangup {
		t.Fatalf("unexpected record %+v", c)
	}
	if len(store.transcripts["rec-1"]) != 2 {
		t.Fatalf("expected transcript to be stored, got %+v", store.transcripts["rec-1"])
	}
	if len(exporter.calls) != 1 || exporter.calls[0].EndedAt == nil {
		t.Fatalf("expected finished call to be exported, got %+v", exporter.calls)
	}
	if len(hub.started) != 1 || len(hub.ended) != 1 || hub.ended[0] != time.Minute {
		t.Fatalf("expected start and 1m end broadcasts, got %v %v", hub.started, hub.ended)
	}
	if got := store.lastStatus("rec-1"); got != storage.SummarySkipped {
		t.Fatalf("expected summary skipped without summarizer, got %q", got)
	}
}

func TestJournalSummaryContextOutlivesCaller(t *testing.T) {
	store, hub := newStoreMock(), &hubMock{}
	stateC := make(chan error, 1)
	j := newTestJournal(store, hub, WithSummarizer(summarizerFunc(func(ctx context.Context, _ string, _ []chat.Entry) (string, error) {
		time.Sleep(20 * time.Millisecond)
		stateC <- ctx.Err()
		return "## Summary", nil
	})))

	_ = j.CallStarted("remote-1", storage.DirectionInbound, "")
	if err := j.CallEnded(call.EndInfo{CallID: "remote-1", Reason: call.ReasonRemote, History: history}); err != nil {
		t.Fatalf("CallEnded failed: %v", err)
	}

	select {
	case err := <-stateC:
		if err != nil {
			t.Fatalf("expected summary context to remain active, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for summary call")
	}
	j.Wait()

	if got := store.lastStatus("rec-1"); got != storage.SummaryCompleted {
		t.Fatalf("expected summary %q, got %q", storage.SummaryCompleted, got)
	}
	if store.statuses["rec-1"][0] != storage.SummaryRunning {
		t.Fatalf("expected running status first, got %v", store.statuses["rec-1"])
	}
	if len(hub.summary) != 1 || hub.summary[0] != "## Summary" {
		t.Fatalf("expected summary broadcast, got %v", hub.summary)
	}
}

func TestJournalSummaryFailure(t *testing.T) {
	store, hub := newStoreMock(), &hubMock{}
	j := newTestJournal(store, hub, WithSummarizer(summarizerFunc(func(context.Context, string, []chat.Entry) (string, error) {
		return "", errors.New("quota")
	})))

	_ = j.CallStarted("remote-1", storage.DirectionOutbound, "/d")
	_ = j.CallEnded(call.EndInfo{CallID: "remote-1", Reason: call.ReasonHangup})
	j.Wait()

	if got := store.lastStatus("rec-1"); got != storage.SummaryFailed {
		t.Fatalf("expected failed summary, got %q", got)
	}
	if len(hub.statuses) != 1 || hub.statuses[0] != storage.SummaryFailed {
		t.Fatalf("expected failure broadcast, got %v", hub.statuses)
	}
}

func TestJournalUnknownCall(t *testing.T) {
	store := newStoreMock()
	j := newTestJournal(store, nil)

	_ = j.CallStarted("remote-1", storage.DirectionOutbound, "/d")
	if err := j.CallEnded(call.EndInfo{CallID: "other"}); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
	if err := j.CallEnded(call.EndInfo{CallID: "remote-1"}); err != nil {
		t.Fatalf("expected the open record to still match, got %v", err)
	}
	if err := j.CallEnded(call.EndInfo{CallID: "remote-1"}); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected a second end to be rejected, got %v", err)
	}
	j.Wait()
}

func TestJournalStoreFailure(t *testing.T) {
	store := newStoreMock()
	store.endErr = errors.New("disk full")
	exporter := &exporterMock{}
	j := newTestJournal(store, nil, WithExporter(exporter))

	_ = j.CallStarted("remote-1", storage.DirectionOutbound, "/d")
	if err := j.CallEnded(call.EndInfo{CallID: "remote-1"}); err == nil {
		t.Fatal("expected store error")
	}
	if len(exporter.calls) != 0 {
		t.Fatal("expected nothing exported when the record could not be closed")
	}
}
