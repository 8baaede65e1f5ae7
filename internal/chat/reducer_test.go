package chat

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestReducerPartialsOrderedByLastSpoken(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: ResponseUtterance, Text: "Hello"})
	r.Apply(Event{Type: PartialResult, Text: "Hi"})

	got := r.History()
	want := []Entry{
		{Type: SpeakerAI, Text: "Hello", State: Partial},
		{Type: SpeakerUser, Text: "Hi", State: Partial},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected history:\ngot  %#v\nwant %#v", got, want)
	}

	r.Apply(Event{Type: ResponseUtterance, Text: "there"})
	got = r.History()
	if got[0].Type != SpeakerUser || got[1].Type != SpeakerAI {
		t.Fatalf("expected AI partial last after AI spoke, got %#v", got)
	}
	if got[1].Text != "Hello there" {
		t.Fatalf("expected utterances appended, got %q", got[1].Text)
	}
}

func TestReducerTransparentBargeDiscardsAIPartial(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: ResponseUtterance, Text: "Let me tell you about our"})
	r.Apply(Event{Type: TransparentBarge, Text: "stop"})

	got := r.History()
	want := []Entry{{Type: SpeakerUser, Text: "stop", State: Complete}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected history after barge:\ngot  %#v\nwant %#v", got, want)
	}
}

func TestReducerBargedCompletionAfterTransparentBargeIsDropped(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: ResponseUtterance, Text: "Our plans start at"})
	r.Apply(Event{Type: TransparentBarge, Text: "stop"})
	r.Apply(Event{Type: Completion, Text: "Our plans start at", Barged: true})

	got := r.History()
	if len(got) != 1 || got[0].Type != SpeakerUser {
		t.Fatalf("expected only the user interruption, got %#v", got)
	}

	r.Apply(Event{Type: Completion, Text: "Sure, stopping."})
	got = r.History()
	if len(got) != 2 || got[1].Text != "Sure, stopping." {
		t.Fatalf("expected later completion to be recorded, got %#v", got)
	}
}

func TestReducerCompletionFinalizesPartial(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: ResponseUtterance, Text: "Hello"})
	r.Apply(Event{Type: ResponseUtterance, Text: "world"})
	r.Apply(Event{Type: Completion, Text: "Hello world."})

	got := r.History()
	want := []Entry{{Type: SpeakerAI, Text: "Hello world.", State: Complete}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestReducerCompletionWithoutPartialCreatesEntry(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: Completion, Text: "Welcome!"})

	got := r.History()
	if len(got) != 1 || got[0].State != Complete || got[0].Type != SpeakerAI {
		t.Fatalf("expected a complete AI entry, got %#v", got)
	}
}

func TestReducerBargedCompletionMarksUserLastSpoken(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: ResponseUtterance, Text: "One moment"})
	r.Apply(Event{Type: Completion, Text: "One moment", Barged: true})
	r.Apply(Event{Type: ResponseUtterance, Text: "As I said"})
	r.Apply(Event{Type: PartialResult, Text: "wait"})

	got := r.History()
	if got[len(got)-1].Type != SpeakerUser {
		t.Fatalf("expected user partial last, got %#v", got)
	}
}

func TestReducerSpeechDetectStripsConfidence(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: PartialResult, Text: "I need"})
	r.Apply(Event{Type: PartialResult, Text: "I need help"})
	r.Apply(Event{Type: SpeechDetect, Text: "I need help {confidence=0.912}"})

	got := r.History()
	want := []Entry{{Type: SpeakerUser, Text: "I need help", State: Complete}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestReducerSpeechDetectFallsBackToPartial(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: PartialResult, Text: "hello there"})
	r.Apply(Event{Type: SpeechDetect, Text: "{confidence=0.5}"})

	got := r.History()
	if len(got) != 1 || got[0].Text != "hello there" || got[0].State != Complete {
		t.Fatalf("expected partial text to be finalized, got %#v", got)
	}
}

func TestReducerOnUpdateReceivesHistory(t *testing.T) {
	var calls [][]Entry
	r := NewReducer(func(h []Entry) { calls = append(calls, h) })

	r.Apply(Event{Type: ResponseUtterance, Text: "Hi"})
	r.Apply(Event{Type: ResponseUtterance, Text: "   "})
	r.Apply(Event{Type: Completion, Text: "Hi"})

	if len(calls) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(calls))
	}
	if calls[1][0].State != Complete {
		t.Fatalf("expected completed entry in second update, got %#v", calls[1])
	}
}

func TestReducerReset(t *testing.T) {
	r := NewReducer(nil)
	r.Apply(Event{Type: Completion, Text: "Hi"})
	r.Apply(Event{Type: PartialResult, Text: "yo"})
	r.Reset()
	if got := r.History(); len(got) != 0 {
		t.Fatalf("expected empty history after reset, got %#v", got)
	}
}

func TestReducerConcurrentApply(t *testing.T) {
	r := NewReducer(nil)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Apply(Event{Type: Completion, Text: "ai"})
		}()
		go func() {
			defer wg.Done()
			r.Apply(Event{Type: SpeechDetect, Text: "user"})
			_ = r.History()
		}()
	}
	wg.Wait()

	if got := len(r.History()); got != 40 {
		t.Fatalf("expected 40 entries, got %d", got)
	}
}

func TestParseEventShapes(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload string
		want    Event
	}{
		{"utterance object", "ai.response_utterance", `{"utterance":{"role":"assistant","content":"Hello"}}`, Event{Type: ResponseUtterance, Text: "Hello"}},
		{"utterance string", "ai.response_utterance", `{"utterance":"Hello"}`, Event{Type: ResponseUtterance, Text: "Hello"}},
		{"completion barged flag", "ai.completion", `{"text":"Sorry","barged":true}`, Event{Type: Completion, Text: "Sorry", Barged: true}},
		{"completion barged type", "ai.completion", `{"text":"Sorry","type":"barged"}`, Event{Type: Completion, Text: "Sorry", Barged: true}},
		{"completion normal", "ai.completion", `{"text":"Done","type":"normal"}`, Event{Type: Completion, Text: "Done"}},
		{"partial in params", "ai.partial_result", `{"params":{"text":"hel"}}`, Event{Type: PartialResult, Text: "hel"}},
		{"speech detect", "ai.speech_detect", `{"text":"hello {confidence=0.8}"}`, Event{Type: SpeechDetect, Text: "hello {confidence=0.8}"}},
		{"barge combined", "ai.transparent_barge", `{"text":"st","combined_text":"stop that"}`, Event{Type: TransparentBarge, Text: "stop that"}},
		{"empty payload", "ai.completion", ``, Event{Type: Completion}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvent(tc.event, []byte(tc.payload))
			if err != nil {
				t.Fatalf("ParseEvent failed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v want %#v", got, tc.want)
			}
		})
	}
}

func TestParseEventErrors(t *testing.T) {
	if _, err := ParseEvent("call.joined", nil); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := ParseEvent("ai.completion", []byte(`{"text":`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}
