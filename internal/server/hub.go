package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/click2call/internal/chat"
	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/widget"
)

// Hub fans events out to every connected websocket. Slow subscribers miss
// events rather than block the caller.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.logger.Debug("server: dropping event for slow subscriber")
		}
	}
}

func (h *Hub) BroadcastCallStarted(callID, direction, destination string) {
	h.broadcastEvent(CallStartedEvent{
		Event:       newEvent("call_started", time.Now()),
		CallID:      callID,
		Direction:   direction,
		Destination: destination,
	})
}

func (h *Hub) BroadcastCallEnded(callID, reason string, duration time.Duration) {
	h.broadcastEvent(CallEndedEvent{
		Event:    newEvent("call_ended", time.Now()),
		CallID:   callID,
		Reason:   reason,
		Duration: duration.Seconds(),
	})
}

func (h *Hub) BroadcastSummaryReady(callID, summary, status string) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:   newEvent("summary_ready", time.Now()),
		CallID:  callID,
		Summary: summary,
		Status:  status,
	})
}

func (h *Hub) BroadcastChat(entries []chat.Entry) {
	if entries == nil {
		entries = []chat.Entry{}
	}
	h.broadcastEvent(ChatChangedEvent{
		Event:   newEvent("chat_changed", time.Now()),
		Entries: entries,
	})
}

func (h *Hub) BroadcastDevices(st device.State) {
	h.broadcastEvent(DevicesChangedEvent{
		Event: newEvent("devices_changed", time.Now()),
		State: st,
	})
}

func (h *Hub) BroadcastError(err *widget.Error) {
	if err == nil {
		return
	}
	h.broadcastEvent(ErrorEvent{
		Event:   newEvent("error", time.Now()),
		Name:    err.Name,
		Message: err.Message,
	})
}

func (h *Hub) BroadcastIncoming(inviteID, caller string) {
	h.broadcastEvent(IncomingCallEvent{
		Event:    newEvent("incoming_call", time.Now()),
		InviteID: inviteID,
		Caller:   caller,
	})
}

func (h *Hub) BroadcastLocalVideo(track device.Track) {
	if track == nil {
		return
	}
	h.broadcastEvent(LocalVideoEvent{
		Event:   newEvent("local_video", time.Now()),
		TrackID: track.ID(),
	})
}

func (h *Hub) BroadcastClientReady() {
	h.broadcastEvent(ClientReadyEvent{Event: newEvent("client_ready", time.Now())})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("server: event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
