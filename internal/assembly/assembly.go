// Package assembly runs the ordered context providers whose outputs are
// concatenated into the system and user prompt of every injection.
//
// Providers are registered with a priority (lower runs earlier) and an
// enabled flag, both live-editable at runtime. Within one assembly the
// providers run sequentially so a later provider can observe what the earlier
// ones contributed; across assemblies they are independent. A provider that
// fails is logged, reported as a warning, and skipped — it never aborts
// assembly.
package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Request is what a provider sees for one assembly.
type Request struct {
	// Session is the target session name.
	Session string

	// Message is the (normalised) user message driving the injection.
	Message string

	// From labels the speaker.
	From string

	// SystemSoFar and ContextSoFar expose the additions of earlier providers
	// in this assembly.
	SystemSoFar  string
	ContextSoFar string
}

// Result is one provider's contribution. Empty fields contribute nothing.
type Result struct {
	// SystemAddition is appended to the system prompt.
	SystemAddition string

	// ContextAddition is appended to the context block prepended to the user
	// message.
	ContextAddition string

	// Warnings surface non-fatal provider complaints to the caller.
	Warnings []string
}

// Provider produces optional context for an injection.
type Provider interface {
	Provide(ctx context.Context, req Request) (Result, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Result, error)

// Provide implements Provider.
func (f ProviderFunc) Provide(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Info describes one registered provider for listings.
type Info struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Assembled is the combined output of one assembly run.
type Assembled struct {
	// System is the ordered join of system additions.
	System string

	// Context is the ordered join of context additions.
	Context string

	// Sources names the providers that produced non-empty output, in run
	// order.
	Sources []string

	// Warnings aggregates provider warnings and failure notices.
	Warnings []string

	// Duration records how long the assembly took.
	Duration time.Duration
}

type registration struct {
	name     string
	priority int
	enabled  bool
	provider Provider
}

// Registry holds the named context providers. Safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	regs []*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds p under name. Registering an existing name replaces it.
func (r *Registry) Register(name string, p Provider, priority int, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if reg.name == name {
			reg.provider, reg.priority, reg.enabled = p, priority, enabled
			return
		}
	}
	r.regs = append(r.regs, &registration{name: name, priority: priority, enabled: enabled, provider: p})
}

// Unregister removes the named provider. Reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.regs {
		if reg.name == name {
			r.regs = slices.Delete(r.regs, i, i+1)
			return true
		}
	}
	return false
}

// SetEnabled toggles the named provider. Reports whether it exists.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if reg.name == name {
			reg.enabled = enabled
			return true
		}
	}
	return false
}

// SetPriority reorders the named provider. Reports whether it exists.
func (r *Registry) SetPriority(name string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if reg.name == name {
			reg.priority = priority
			return true
		}
	}
	return false
}

// List returns the registered providers sorted by priority, ties by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, Info{Name: reg.name, Priority: reg.priority, Enabled: reg.enabled})
	}
	slices.SortStableFunc(out, func(a, b Info) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Assemble runs the selected providers in priority order and concatenates
// their additions. When whitelist is non-empty only the named providers run,
// keeping their registered priorities; enabled flags still apply.
func (r *Registry) Assemble(ctx context.Context, req Request, whitelist []string) Assembled {
	start := time.Now()

	r.mu.Lock()
	selected := make([]*registration, 0, len(r.regs))
	for _, reg := range r.regs {
		if !reg.enabled {
			continue
		}
		if len(whitelist) > 0 && !slices.Contains(whitelist, reg.name) {
			continue
		}
		selected = append(selected, reg)
	}
	r.mu.Unlock()

	slices.SortStableFunc(selected, func(a, b *registration) int {
		if a.priority != b.priority {
			return a.priority - b.priority
		}
		return strings.Compare(a.name, b.name)
	})

	var (
		systems  []string
		contexts []string
		out      Assembled
	)
	for _, reg := range selected {
		req.SystemSoFar = strings.Join(systems, "\n\n")
		req.ContextSoFar = strings.Join(contexts, "\n\n")

		res, err := r.safeProvide(ctx, reg, req)
		if err != nil {
			slog.Warn("assembly: provider failed, skipping", "provider", reg.name, "session", req.Session, "err", err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("provider %q failed: %v", reg.name, err))
			continue
		}
		out.Warnings = append(out.Warnings, res.Warnings...)

		contributed := false
		if res.SystemAddition != "" {
			systems = append(systems, res.SystemAddition)
			contributed = true
		}
		if res.ContextAddition != "" {
			contexts = append(contexts, res.ContextAddition)
			contributed = true
		}
		if contributed {
			out.Sources = append(out.Sources, reg.name)
		}
	}

	out.System = strings.Join(systems, "\n\n")
	out.Context = strings.Join(contexts, "\n\n")
	out.Duration = time.Since(start)
	return out
}

// safeProvide invokes the provider, converting a panic into an error.
func (r *Registry) safeProvide(ctx context.Context, reg *registration, req Request) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = Result{}, fmt.Errorf("provider %q panic: %v", reg.name, p)
		}
	}()
	return reg.provider.Provide(ctx, req)
}
