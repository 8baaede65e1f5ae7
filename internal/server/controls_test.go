package server

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/sjawhar/click2call/internal/call"
)

type inviteStub struct {
	id     string
	caller string
}

func (i inviteStub) ID() string     { return i.id }
func (i inviteStub) Caller() string { return i.caller }

func (i inviteStub) Accept(context.Context) (call.Remote, error) {
	return nil, errors.New("not implemented")
}

func (i inviteStub) Reject(context.Context) error { return nil }

func waitForPending(t *testing.T, p *Prompter, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if slices.Contains(p.Pending(), id) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("invite %s never became pending", id)
}

func TestControlsStaleUnbindKeepsNewerBinding(t *testing.T) {
	c := NewControls()

	first := c.Bind("hangup", func(context.Context) error { return errors.New("old") })
	c.Bind("hangup", func(context.Context) error { return nil })
	first()

	if err := c.Fire(context.Background(), "hangup"); err != nil {
		t.Fatalf("expected newer binding to survive, got %v", err)
	}
	if err := c.Fire(context.Background(), "toggle-video"); !errors.Is(err, ErrUnboundControl) {
		t.Fatalf("expected ErrUnboundControl, got %v", err)
	}
}

func TestControlsAsTriggerBinder(t *testing.T) {
	c := NewControls()
	bind := c.Bind

	unbind := bind("toggle-speaker", func(context.Context) error { return nil })
	if got := c.Bound(); len(got) != 1 || got[0] != "toggle-speaker" {
		t.Fatalf("expected one bound control, got %v", got)
	}
	unbind()
	unbind()
	if len(c.Bound()) != 0 {
		t.Fatalf("expected no bound controls, got %v", c.Bound())
	}
}

func TestPrompterBroadcastsAndRejectsOnTimeout(t *testing.T) {
	hub := NewHub(nil)
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)
	p := NewPrompter(hub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if v := p.Prompt(ctx, inviteStub{id: "inv-9", caller: "bob"}); v != call.Reject {
		t.Fatalf("expected reject on timeout, got %v", v)
	}
	if len(p.Pending()) != 0 {
		t.Fatalf("expected pending invite to be cleared, got %v", p.Pending())
	}

	select {
	case msg := <-ch:
		if got := decodeType(t, msg); got != "incoming_call" {
			t.Fatalf("expected incoming_call event, got %q", got)
		}
	default:
		t.Fatal("expected incoming_call broadcast")
	}

	if err := p.Resolve("inv-9", call.Allow); !errors.Is(err, ErrUnknownInvite) {
		t.Fatalf("expected ErrUnknownInvite, got %v", err)
	}
}
