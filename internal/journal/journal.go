// Package journal keeps the call history: every call gets a record with its
// final transcript, an optional summary and a markdown export.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/storage"
)

const summaryTimeout = 2 * time.Minute

type Store interface {
	CreateCall(c storage.Call) error
	EndCall(id string, endedAt time.Time, reason string) error
	ReplaceTranscript(callID string, entries []chat.Entry) error
	UpdateSummary(callID, summary, status string) error
}

type Summarizer interface {
	Summarize(ctx context.Context, callID string, entries []chat.Entry) (string, error)
}

type Exporter interface {
	Append(c storage.Call, entries []chat.Entry) error
}

type EventBroadcaster interface {
	BroadcastCallStarted(callID, direction, destination string)
	BroadcastCallEnded(callID, reason string, duration time.Duration)
	BroadcastSummaryReady(callID, summary, status string)
}

type Option func(*Journal)

func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

func WithExporter(e Exporter) Option {
	return func(j *Journal) { j.exporter = e }
}

func WithSummarizer(s Summarizer) Option {
	return func(j *Journal) { j.summarizer = s }
}

type Journal struct {
	store      Store
	hub        EventBroadcaster
	summarizer Summarizer
	exporter   Exporter
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	current *storage.Call

	wg sync.WaitGroup
}

func New(store Store, hub EventBroadcaster, opts ...Option) *Journal {
	j := &Journal{
		store:  store,
		hub:    hub,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// CallStarted opens a record for the call the platform knows as remoteID.
func (j *Journal) CallStarted(remoteID, direction, destination string) error {
	c := storage.Call{
		ID:          j.newID(),
		RemoteID:    remoteID,
		Direction:   direction,
		Destination: destination,
		StartedAt:   j.now().UTC(),
	}
	if err := j.store.CreateCall(c); err != nil {
		return fmt.Errorf("create call record: %w", err)
	}

	j.mu.Lock()
	if j.current != nil {
		j.logger.Warn("journal: replacing unfinished call record", "call_id", j.current.ID)
	}
	j.current = &c
	j.mu.Unlock()

	if j.hub != nil {
		j.hub.BroadcastCallStarted(c.ID, direction, destination)
	}
	return nil
}

// CallEnded closes the record, stores the transcript and exports it. The
// summary is generated in the background; see Wait.
func (j *Journal) CallEnded(info call.EndInfo) error {
	j.mu.Lock()
	c := j.current
	if c != nil && c.RemoteID == info.CallID {
		j.current = nil
	} else {
		c = nil
	}
	j.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, info.CallID)
	}

	endedAt := info.EndedAt
	if endedAt.IsZero() {
		endedAt = j.now().UTC()
	}
	if !info.StartedAt.IsZero() {
		c.StartedAt = info.StartedAt
	}
	c.EndedAt = &endedAt
	c.EndReason = info.Reason
	c.Status = "ended"

	if err := j.store.EndCall(c.ID, endedAt, info.Reason); err != nil {
		return fmt.Errorf("end call record: %w", err)
	}
	if err := j.store.ReplaceTranscript(c.ID, info.History); err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}

	if j.exporter != nil {
		if err := j.exporter.Append(*c, info.History); err != nil {
			j.logger.Warn("journal: transcript export failed", "call_id", c.ID, "error", err)
		}
	}

	if j.hub != nil {
		j.hub.BroadcastCallEnded(c.ID, info.Reason, endedAt.Sub(c.StartedAt))
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
		defer cancel()
		j.summarize(ctx, c.ID, info.History)
	}()
	return nil
}

// Wait blocks until pending summaries have finished.
func (j *Journal) Wait() {
	j.wg.Wait()
}

func (j *Journal) summarize(ctx context.Context, callID string, entries []chat.Entry) {
	if j.summarizer == nil {
		j.setSummary(callID, "", storage.SummarySkipped)
		return
	}

	j.setSummary(callID, "", storage.SummaryRunning)

	text, err := j.summarizer.Summarize(ctx, callID, entries)
	if err != nil {
		j.logger.Warn("journal: summary failed", "call_id", callID, "error", err)
		j.setSummary(callID, "", storage.SummaryFailed)
		j.broadcastSummary(callID, "", storage.SummaryFailed)
		return
	}
	if text == "" {
		j.setSummary(callID, "", storage.SummarySkipped)
		return
	}

	if err := j.store.UpdateSummary(callID, text, storage.SummaryCompleted); err != nil {
		j.logger.Warn("journal: store summary", "call_id", callID, "error", err)
		j.setSummary(callID, "", storage.SummaryFailed)
		j.broadcastSummary(callID, "", storage.SummaryFailed)
		return
	}
	j.broadcastSummary(callID, text, storage.SummaryCompleted)
}

func (j *Journal) setSummary(callID, text, status string) {
	if err := j.store.UpdateSummary(callID, text, status); err != nil {
		j.logger.Warn("journal: update summary status", "call_id", callID, "status", status, "error", err)
	}
}

func (j *Journal) broadcastSummary(callID, text, status string) {
	if j.hub != nil {
		j.hub.BroadcastSummaryReady(callID, text, status)
	}
}
