// Package middleware implements the mutable incoming/outgoing hook chain that
// every injection passes through.
//
// Middlewares are registered with a priority (lower runs earlier) and an
// enabled flag, both live-editable at runtime. A hook may rewrite the payload
// or prevent it, short-circuiting the injection. A hook that returns an error
// is treated as "did nothing" and logged — internal failures never abort an
// injection.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Hook is the payload a middleware sees: the session, the text in flight, and
// who sent it.
type Hook struct {
	Session string
	Payload string
	From    string
	Channel string
}

// Verdict is a hook's outcome. Prevented short-circuits the injection;
// otherwise Payload (possibly rewritten) continues down the chain.
type Verdict struct {
	Prevented bool
	Payload   string
}

// Pass returns the verdict that forwards payload unchanged.
func Pass(payload string) Verdict { return Verdict{Payload: payload} }

// Prevent returns the verdict that blocks the injection.
func Prevent() Verdict { return Verdict{Prevented: true} }

// Middleware carries up to two hooks. A nil hook is a pass-through.
type Middleware struct {
	// OnIncoming runs on the user message before the provider sees it.
	OnIncoming func(ctx context.Context, h Hook) (Verdict, error)

	// OnOutgoing runs on the accumulated response before it is logged and
	// returned.
	OnOutgoing func(ctx context.Context, h Hook) (Verdict, error)
}

// Info describes one registered middleware for listings.
type Info struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

type registration struct {
	name     string
	priority int
	enabled  bool
	mw       Middleware
}

// Chain is the middleware registry and runner. Safe for concurrent use.
type Chain struct {
	mu   sync.Mutex
	regs []*registration
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Register adds mw under name. Registering an existing name replaces it.
func (c *Chain) Register(name string, mw Middleware, priority int, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.regs {
		if r.name == name {
			r.mw, r.priority, r.enabled = mw, priority, enabled
			return
		}
	}
	c.regs = append(c.regs, &registration{name: name, priority: priority, enabled: enabled, mw: mw})
}

// Unregister removes the named middleware. Reports whether it existed.
func (c *Chain) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.regs {
		if r.name == name {
			c.regs = slices.Delete(c.regs, i, i+1)
			return true
		}
	}
	return false
}

// SetEnabled toggles the named middleware. Reports whether it exists.
func (c *Chain) SetEnabled(name string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.regs {
		if r.name == name {
			r.enabled = enabled
			return true
		}
	}
	return false
}

// SetPriority reorders the named middleware. Reports whether it exists.
func (c *Chain) SetPriority(name string, priority int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.regs {
		if r.name == name {
			r.priority = priority
			return true
		}
	}
	return false
}

// List returns the registered middlewares sorted by priority, ties by name.
func (c *Chain) List() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, len(c.regs))
	for _, r := range c.regs {
		out = append(out, Info{Name: r.name, Priority: r.priority, Enabled: r.enabled})
	}
	sortInfos(out)
	return out
}

// RunIncoming applies every enabled incoming hook in priority order. The
// returned verdict carries the (possibly rewritten) message, or Prevented
// when a hook blocked it.
func (c *Chain) RunIncoming(ctx context.Context, h Hook) Verdict {
	return c.run(ctx, h, func(mw Middleware) func(context.Context, Hook) (Verdict, error) {
		return mw.OnIncoming
	})
}

// RunOutgoing applies every enabled outgoing hook in priority order.
func (c *Chain) RunOutgoing(ctx context.Context, h Hook) Verdict {
	return c.run(ctx, h, func(mw Middleware) func(context.Context, Hook) (Verdict, error) {
		return mw.OnOutgoing
	})
}

// run walks the enabled registrations lowest-priority-first. A hook error is
// logged and the payload continues unchanged; a prevention stops the walk.
func (c *Chain) run(ctx context.Context, h Hook, pick func(Middleware) func(context.Context, Hook) (Verdict, error)) Verdict {
	c.mu.Lock()
	active := make([]*registration, 0, len(c.regs))
	for _, r := range c.regs {
		if r.enabled {
			active = append(active, r)
		}
	}
	c.mu.Unlock()

	slices.SortStableFunc(active, func(a, b *registration) int {
		if a.priority != b.priority {
			return a.priority - b.priority
		}
		return strings.Compare(a.name, b.name)
	})

	for _, r := range active {
		hook := pick(r.mw)
		if hook == nil {
			continue
		}
		v, err := c.safeCall(ctx, r.name, hook, h)
		if err != nil {
			slog.Warn("middleware: hook failed, skipping", "middleware", r.name, "session", h.Session, "err", err)
			continue
		}
		if v.Prevented {
			slog.Info("middleware: payload prevented", "middleware", r.name, "session", h.Session)
			return Prevent()
		}
		h.Payload = v.Payload
	}
	return Pass(h.Payload)
}

// safeCall invokes the hook, converting a panic into an error so one bad
// middleware never takes down an injection.
func (c *Chain) safeCall(ctx context.Context, name string, hook func(context.Context, Hook) (Verdict, error), h Hook) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = Verdict{}, fmt.Errorf("middleware %q panic: %v", name, r)
		}
	}()
	return hook(ctx, h)
}

func sortInfos(infos []Info) {
	slices.SortStableFunc(infos, func(a, b Info) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.Name, b.Name)
	})
}
