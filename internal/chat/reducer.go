// Package chat assembles a live call transcript from the partial and final
// speech events emitted by the AI agent and the caller's recogniser.
package chat

import (
	"strings"
	"sync"
)

type Speaker string

const (
	SpeakerAI   Speaker = "ai"
	SpeakerUser Speaker = "user"
)

type EntryState string

const (
	Partial  EntryState = "partial"
	Complete EntryState = "complete"
)

type Entry struct {
	Type  Speaker    `json:"type"`
	Text  string     `json:"text"`
	State EntryState `json:"state"`
}

// Reducer folds speech events into a transcript. It keeps the finalized
// entries in arrival order plus at most one in-flight partial per speaker.
type Reducer struct {
	mu          sync.Mutex
	entries     []Entry
	aiPartial   *Entry
	userPartial *Entry
	lastSpoken  Speaker

	// set by a transparent barge so the barged completion of the same
	// utterance does not resurrect the discarded AI text
	bargeDiscarded bool

	onUpdate func([]Entry)
}

// NewReducer returns an empty reducer. onUpdate, if non-nil, receives the
// history after every applied event.
func NewReducer(onUpdate func([]Entry)) *Reducer {
	return &Reducer{onUpdate: onUpdate}
}

func (r *Reducer) Apply(ev Event) {
	r.mu.Lock()
	changed := r.apply(ev)
	history := r.history()
	r.mu.Unlock()

	if changed && r.onUpdate != nil {
		r.onUpdate(history)
	}
}

func (r *Reducer) apply(ev Event) bool {
	switch ev.Type {
	case ResponseUtterance:
		r.bargeDiscarded = false
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return false
		}
		if r.aiPartial == nil {
			r.aiPartial = &Entry{Type: SpeakerAI, Text: text, State: Partial}
		} else {
			r.aiPartial.Text = joinText(r.aiPartial.Text, text)
		}
		r.lastSpoken = SpeakerAI
		return true

	case Completion:
		if ev.Barged && r.bargeDiscarded {
			r.bargeDiscarded = false
			r.lastSpoken = SpeakerUser
			return false
		}
		r.bargeDiscarded = false
		text := strings.TrimSpace(ev.Text)
		if text == "" && r.aiPartial != nil {
			text = r.aiPartial.Text
		}
		r.aiPartial = nil
		if ev.Barged {
			r.lastSpoken = SpeakerUser
		} else {
			r.lastSpoken = SpeakerAI
		}
		if text == "" {
			return true
		}
		r.entries = append(r.entries, Entry{Type: SpeakerAI, Text: text, State: Complete})
		return true

	case PartialResult:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return false
		}
		r.userPartial = &Entry{Type: SpeakerUser, Text: text, State: Partial}
		r.lastSpoken = SpeakerUser
		return true

	case SpeechDetect:
		text := CleanTranscript(ev.Text)
		if text == "" && r.userPartial != nil {
			text = r.userPartial.Text
		}
		r.userPartial = nil
		r.lastSpoken = SpeakerUser
		if text == "" {
			return true
		}
		r.entries = append(r.entries, Entry{Type: SpeakerUser, Text: text, State: Complete})
		return true

	case TransparentBarge:
		if r.aiPartial != nil {
			r.aiPartial = nil
			r.bargeDiscarded = true
		}
		text := CleanTranscript(ev.Text)
		if text == "" && r.userPartial != nil {
			text = r.userPartial.Text
		}
		r.userPartial = nil
		r.lastSpoken = SpeakerUser
		if text != "" {
			r.entries = append(r.entries, Entry{Type: SpeakerUser, Text: text, State: Complete})
		}
		return true
	}
	return false
}

// History returns finalized entries followed by the open partials, the most
// recently spoken one last.
func (r *Reducer) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history()
}

func (r *Reducer) history() []Entry {
	out := make([]Entry, 0, len(r.entries)+2)
	out = append(out, r.entries...)

	first, second := r.aiPartial, r.userPartial
	if r.lastSpoken == SpeakerAI {
		first, second = r.userPartial, r.aiPartial
	}
	if first != nil {
		out = append(out, *first)
	}
	if second != nil {
		out = append(out, *second)
	}
	return out
}

// Reset clears the transcript.
func (r *Reducer) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.aiPartial = nil
	r.userPartial = nil
	r.lastSpoken = ""
	r.bargeDiscarded = false
	r.mu.Unlock()
}

func joinText(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + " " + next
}
