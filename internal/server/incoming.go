package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/sjawhar/click2call/internal/call"
)

// Prompter asks connected clients whether to answer an inbound call and
// waits for one of them to decide through the API.
type Prompter struct {
	hub *Hub

	mu      sync.Mutex
	pending map[string]chan call.Verdict
}

func NewPrompter(hub *Hub) *Prompter {
	return &Prompter{hub: hub, pending: make(map[string]chan call.Verdict)}
}

// Prompt blocks until Resolve is called for the invite or ctx ends. An
// expired prompt rejects the call.
func (p *Prompter) Prompt(ctx context.Context, inv call.Invite) call.Verdict {
	ch := make(chan call.Verdict, 1)
	p.mu.Lock()
	p.pending[inv.ID()] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, inv.ID())
		p.mu.Unlock()
	}()

	if p.hub != nil {
		p.hub.BroadcastIncoming(inv.ID(), inv.Caller())
	}

	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		return call.Reject
	}
}

func (p *Prompter) Resolve(inviteID string, v call.Verdict) error {
	p.mu.Lock()
	ch, ok := p.pending[inviteID]
	if ok {
		delete(p.pending, inviteID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvite, inviteID)
	}
	ch <- v
	return nil
}

func (p *Prompter) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	return ids
}
