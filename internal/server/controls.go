package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

type binding struct {
	gen    uint64
	action func(ctx context.Context) error
}

// Controls holds the in-call actions the widget exposes and fires them on
// behalf of API clients. Bind satisfies widget.TriggerBinder.
type Controls struct {
	mu       sync.Mutex
	gen      uint64
	bindings map[string]binding
}

func NewControls() *Controls {
	return &Controls{bindings: make(map[string]binding)}
}

// Bind replaces any action bound to id. The returned function only removes
// this binding, so a stale unbind cannot drop a newer one.
func (c *Controls) Bind(id string, action func(ctx context.Context) error) func() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.bindings[id] = binding{gen: gen, action: action}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if b, ok := c.bindings[id]; ok && b.gen == gen {
			delete(c.bindings, id)
		}
	}
}

func (c *Controls) Fire(ctx context.Context, id string) error {
	c.mu.Lock()
	b, ok := c.bindings[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnboundControl, id)
	}
	return b.action(ctx)
}

func (c *Controls) Bound() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.bindings))
	for id := range c.bindings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
