package chat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

type EventType string

const (
	ResponseUtterance EventType = "ai.response_utterance"
	Completion        EventType = "ai.completion"
	PartialResult     EventType = "ai.partial_result"
	SpeechDetect      EventType = "ai.speech_detect"
	TransparentBarge  EventType = "ai.transparent_barge"
)

// EventTypes lists every speech event the reducer understands.
var EventTypes = []EventType{ResponseUtterance, Completion, PartialResult, SpeechDetect, TransparentBarge}

// Event is a speech event normalised from whatever payload shape the call
// platform delivered it in.
type Event struct {
	Type   EventType
	Text   string
	Barged bool
}

// Text lookups are tried in order; the platform nests the text differently
// per event type and sometimes wraps everything in "params".
var (
	defaultTextPaths = []string{
		"text",
		"utterance.content",
		"utterance",
		"content",
		"params.text",
		"params.utterance.content",
		"params.utterance",
	}
	bargeTextPaths = []string{
		"combined_text",
		"text",
		"params.combined_text",
		"params.text",
		"utterance.content",
	}
)

var confidencePattern = regexp.MustCompile(`\s*\{confidence=[0-9.]+\}`)

// ParseEvent normalises a raw event payload into an Event.
func ParseEvent(name string, payload []byte) (Event, error) {
	typ := EventType(name)
	if !known(typ) {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return Event{}, fmt.Errorf("%w: %s payload", ErrMalformedEvent, name)
	}

	paths := defaultTextPaths
	if typ == TransparentBarge {
		paths = bargeTextPaths
	}

	return Event{
		Type:   typ,
		Text:   firstString(payload, paths),
		Barged: barged(payload),
	}, nil
}

// CleanTranscript strips recogniser confidence annotations such as
// "{confidence=0.93}" from a transcript line.
func CleanTranscript(text string) string {
	return strings.TrimSpace(confidencePattern.ReplaceAllString(text, ""))
}

func known(typ EventType) bool {
	for _, t := range EventTypes {
		if t == typ {
			return true
		}
	}
	return false
}

func firstString(payload []byte, paths []string) string {
	for _, path := range paths {
		res := gjson.GetBytes(payload, path)
		if res.Type == gjson.String {
			return res.String()
		}
	}
	return ""
}

func barged(payload []byte) bool {
	for _, path := range []string{"barged", "params.barged"} {
		if gjson.GetBytes(payload, path).Bool() {
			return true
		}
	}
	for _, path := range []string{"type", "params.type"} {
		if strings.EqualFold(gjson.GetBytes(payload, path).String(), "barged") {
			return true
		}
	}
	return false
}
