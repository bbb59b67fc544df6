// Package registry tracks the configured model providers, their credentials,
// and their availability, and resolves a session's provider chain to live
// instances.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/wopr-network/wopr/internal/config"
	"github.com/wopr-network/wopr/pkg/provider/chat"
	"github.com/wopr-network/wopr/pkg/provider/chat/anyllm"
	"github.com/wopr-network/wopr/pkg/provider/chat/openai"
)

// ErrUnknownProvider is returned when an id is not registered.
var ErrUnknownProvider = errors.New("registry: unknown provider")

// healthProbeTimeout bounds each per-provider ListModels probe.
const healthProbeTimeout = 10 * time.Second

// Descriptor is the registry's public view of one provider.
type Descriptor struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	DefaultModel    string   `json:"defaultModel"`
	SupportedModels []string `json:"supportedModels,omitempty"`
	Available       bool     `json:"available"`
}

// Instance pairs a descriptor with its live adapter.
type Instance struct {
	Descriptor
	Provider chat.Provider
}

// Registry holds the configured provider instances. Availability flags are
// written only by CheckHealth and SetAvailable; resolution never mutates them.
type Registry struct {
	creds *CredentialStore

	mu        sync.Mutex
	order     []string
	instances map[string]*Instance
}

// New builds a registry from the configured provider entries. Entries whose
// adapter cannot be constructed (usually a missing credential) are logged and
// skipped, not fatal: the daemon runs degraded rather than not at all.
func New(entries []config.ProviderEntry, creds *CredentialStore) *Registry {
	r := &Registry{
		creds:     creds,
		instances: make(map[string]*Instance),
	}
	for _, e := range entries {
		inst, err := r.build(e)
		if err != nil {
			slog.Warn("registry: provider skipped", "id", e.ID, "err", err)
			continue
		}
		r.order = append(r.order, e.ID)
		r.instances[e.ID] = inst
	}
	return r
}

// build constructs the adapter for one config entry.
func (r *Registry) build(e config.ProviderEntry) (*Instance, error) {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	apiKey := r.creds.Lookup(e.ID, e.APIKey)

	var (
		p   chat.Provider
		err error
	)
	switch e.Kind {
	case config.KindOpenAI:
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		p, err = openai.New(apiKey, e.Model, opts...)
	case config.KindAnyLLM, "":
		backend := e.Backend
		if backend == "" {
			backend = e.ID
		}
		var opts []anyllmlib.Option
		if apiKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(apiKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		p, err = anyllm.New(backend, e.Model, opts...)
	default:
		err = fmt.Errorf("unsupported kind %q", e.Kind)
	}
	if err != nil {
		return nil, err
	}

	return &Instance{
		Descriptor: Descriptor{
			ID:           e.ID,
			Name:         name,
			DefaultModel: e.Model,
			Available:    true,
		},
		Provider: p,
	}, nil
}

// Register adds or replaces an instance directly. Used by tests and by
// programmatic embedders.
func (r *Registry) Register(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.ID]; !ok {
		r.order = append(r.order, inst.ID)
	}
	r.instances[inst.ID] = inst
}

// List returns descriptors in configuration order.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instances[id].Descriptor)
	}
	return out
}

// Get returns the instance registered under id.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return inst, nil
}

// SetAvailable flips the availability flag of the given provider.
func (r *Registry) SetAvailable(id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	inst.Available = available
	return nil
}

// CheckHealth probes every provider concurrently with a short ListModels call
// and updates the availability flags and supported model lists. The returned
// map reports the per-provider outcome (nil = healthy).
func (r *Registry) CheckHealth(ctx context.Context) map[string]error {
	r.mu.Lock()
	probes := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		probes = append(probes, r.instances[id])
	}
	r.mu.Unlock()

	results := make([]error, len(probes))
	models := make([][]string, len(probes))

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, healthProbeTimeout)
			defer cancel()
			ms, err := inst.Provider.ListModels(pctx)
			results[i], models[i] = err, ms
			return nil
		})
	}
	_ = g.Wait() // goroutines report through results

	out := make(map[string]error, len(probes))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, inst := range probes {
		out[inst.ID] = results[i]
		inst.Available = results[i] == nil
		if results[i] == nil && len(models[i]) > 0 {
			inst.SupportedModels = models[i]
		}
		if results[i] != nil {
			slog.Warn("registry: provider unhealthy", "id", inst.ID, "err", results[i])
		}
	}
	return out
}

// IDs returns the registered provider ids in configuration order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// normalizeID lowercases and trims a user-supplied provider id.
func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
