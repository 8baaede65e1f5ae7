// Package summary produces a short written summary of a finished call.
package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/llm"
)

// MinWords is the shortest transcript worth summarising.
const MinWords = 20

const systemPrompt = "Summarize the following support call between a caller and an AI agent concisely in markdown. " +
	"Include the caller's request, what the agent did or promised, and any follow-up the caller still needs."

type IdempotencyStore interface {
	ClaimSummaryRequest(callID, promptHash string) (bool, error)
}

type Summarizer struct {
	client  llm.Client
	store   IdempotencyStore
	sleep   func(time.Duration)
	backoff []time.Duration
}

func New(client llm.Client, store IdempotencyStore) *Summarizer {
	return &Summarizer{
		client:  client,
		store:   store,
		sleep:   time.Sleep,
		backoff: []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second},
	}
}

// Summarize returns "" without calling the model when the transcript is too
// short or the same transcript was already claimed for callID.
func (s *Summarizer) Summarize(ctx context.Context, callID string, entries []chat.Entry) (string, error) {
	transcript := Transcript(entries)
	if len(strings.Fields(transcript)) < MinWords {
		return "", nil
	}

	hash := sha256.Sum256([]byte(transcript))
	promptHash := hex.EncodeToString(hash[:])

	if s.store != nil {
		claimed, err := s.store.ClaimSummaryRequest(callID, promptHash)
		if err != nil {
			return "", fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			return "", nil
		}
	}

	var lastErr error
	for attempt := range s.backoff {
		summary, err := s.client.Complete(ctx, systemPrompt, transcript)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(s.backoff)-1 {
			s.sleep(s.backoff[attempt])
		}
	}

	return "", fmt.Errorf("summary failed after retries: %w", lastErr)
}

// Transcript renders entries one line per turn, the form sent to the model.
func Transcript(entries []chat.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		speaker := "Caller"
		if e.Type == chat.SpeakerAI {
			speaker = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, text)
	}
	return b.String()
}
