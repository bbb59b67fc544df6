package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func appendTag(tag string) func(context.Context, Hook) (Verdict, error) {
	return func(_ context.Context, h Hook) (Verdict, error) {
		return Pass(h.Payload + tag), nil
	}
}

func TestRunIncomingOrderAndMutation(t *testing.T) {
	c := NewChain()
	c.Register("second", Middleware{OnIncoming: appendTag(">b")}, 20, true)
	c.Register("first", Middleware{OnIncoming: appendTag(">a")}, 10, true)
	c.Register("third", Middleware{OnIncoming: appendTag(">c")}, 30, true)

	v := c.RunIncoming(context.Background(), Hook{Session: "s", Payload: "m"})
	if v.Prevented {
		t.Fatal("unexpected prevention")
	}
	if v.Payload != "m>a>b>c" {
		t.Errorf("payload = %q, want priority order m>a>b>c", v.Payload)
	}
}

func TestPreventionShortCircuits(t *testing.T) {
	c := NewChain()
	var ranAfter bool
	c.Register("blocker", Middleware{
		OnIncoming: func(_ context.Context, h Hook) (Verdict, error) {
			if strings.Contains(h.Payload, "NO") {
				return Prevent(), nil
			}
			return Pass(h.Payload), nil
		},
	}, 10, true)
	c.Register("after", Middleware{
		OnIncoming: func(_ context.Context, h Hook) (Verdict, error) {
			ranAfter = true
			return Pass(h.Payload), nil
		},
	}, 20, true)

	v := c.RunIncoming(context.Background(), Hook{Payload: "please NO"})
	if !v.Prevented {
		t.Fatal("blocker did not prevent")
	}
	if ranAfter {
		t.Error("middleware after the blocker still ran")
	}

	v = c.RunIncoming(context.Background(), Hook{Payload: "please"})
	if v.Prevented || !ranAfter {
		t.Error("clean payload was not passed through the full chain")
	}
}

func TestErroringHookIsSkipped(t *testing.T) {
	c := NewChain()
	c.Register("broken", Middleware{
		OnIncoming: func(context.Context, Hook) (Verdict, error) {
			return Verdict{}, errors.New("boom")
		},
	}, 10, true)
	c.Register("panicky", Middleware{
		OnIncoming: func(context.Context, Hook) (Verdict, error) {
			panic("worse")
		},
	}, 15, true)
	c.Register("tail", Middleware{OnIncoming: appendTag("!")}, 20, true)

	v := c.RunIncoming(context.Background(), Hook{Payload: "m"})
	if v.Prevented {
		t.Fatal("erroring hook prevented the chain")
	}
	if v.Payload != "m!" {
		t.Errorf("payload = %q, want broken/panicky treated as no-ops", v.Payload)
	}
}

func TestDisabledAndNilHooks(t *testing.T) {
	c := NewChain()
	c.Register("off", Middleware{OnIncoming: appendTag("x")}, 10, false)
	c.Register("outgoing-only", Middleware{OnOutgoing: appendTag("y")}, 20, true)

	v := c.RunIncoming(context.Background(), Hook{Payload: "m"})
	if v.Payload != "m" {
		t.Errorf("payload = %q, want untouched", v.Payload)
	}

	v = c.RunOutgoing(context.Background(), Hook{Payload: "r"})
	if v.Payload != "ry" {
		t.Errorf("outgoing payload = %q, want ry", v.Payload)
	}

	if !c.SetEnabled("off", true) {
		t.Fatal("SetEnabled returned false for a registered middleware")
	}
	v = c.RunIncoming(context.Background(), Hook{Payload: "m"})
	if v.Payload != "mx" {
		t.Errorf("payload after enable = %q, want mx", v.Payload)
	}
}

func TestLivePriorityEdit(t *testing.T) {
	c := NewChain()
	c.Register("a", Middleware{OnIncoming: appendTag("a")}, 10, true)
	c.Register("b", Middleware{OnIncoming: appendTag("b")}, 20, true)

	if !c.SetPriority("b", 5) {
		t.Fatal("SetPriority returned false")
	}
	v := c.RunIncoming(context.Background(), Hook{Payload: ""})
	if v.Payload != "ba" {
		t.Errorf("payload = %q, want reordered ba", v.Payload)
	}

	infos := c.List()
	if len(infos) != 2 || infos[0].Name != "b" || infos[0].Priority != 5 {
		t.Errorf("List = %+v, want b first", infos)
	}
}

func TestRegisterReplacesAndUnregister(t *testing.T) {
	c := NewChain()
	c.Register("m", Middleware{OnIncoming: appendTag("1")}, 10, true)
	c.Register("m", Middleware{OnIncoming: appendTag("2")}, 10, true)

	v := c.RunIncoming(context.Background(), Hook{Payload: ""})
	if v.Payload != "2" {
		t.Errorf("payload = %q, re-registration did not replace", v.Payload)
	}

	if !c.Unregister("m") {
		t.Error("Unregister returned false")
	}
	if c.Unregister("m") {
		t.Error("second Unregister returned true")
	}
	if len(c.List()) != 0 {
		t.Error("chain not empty after unregister")
	}
}
