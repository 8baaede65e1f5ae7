package server

import (
	"time"

	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/device"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type CallStartedEvent struct {
	Event
	CallID      string `json:"call_id"`
	Direction   string `json:"direction"`
	Destination string `json:"destination,omitempty"`
}

type CallEndedEvent struct {
	Event
	CallID   string  `json:"call_id"`
	Reason   string  `json:"reason"`
	Duration float64 `json:"duration"`
}

type SummaryReadyEvent struct {
	Event
	CallID  string `json:"call_id"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

type ChatChangedEvent struct {
	Event
	Entries []chat.Entry `json:"entries"`
}

type DevicesChangedEvent struct {
	Event
	State device.State `json:"state"`
}

type ErrorEvent struct {
	Event
	Name    string `json:"name"`
	Message string `json:"message"`
}

type IncomingCallEvent struct {
	Event
	InviteID string `json:"invite_id"`
	Caller   string `json:"caller"`
}

type LocalVideoEvent struct {
	Event
	TrackID string `json:"track_id"`
}

type ClientReadyEvent struct {
	Event
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
