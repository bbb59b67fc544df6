package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wopr-network/wopr/pkg/types"
)

// ErrNoProviderAvailable is returned when no provider in a session's chain is
// currently available.
var ErrNoProviderAvailable = errors.New("registry: no provider available")

// Resolution is the outcome of resolving a session's provider chain.
type Resolution struct {
	// Instances are the available providers in chain order. The first is the
	// primary; the rest are fallbacks for the executor to walk.
	Instances []*Instance

	// Model is the chosen model: the session's override when set, otherwise
	// the primary provider's default.
	Model string
}

// Resolve walks the chain [cfg.Name, cfg.Fallback...] and returns the
// currently-available instances in order. Unknown ids in the chain are
// skipped. An empty result yields ErrNoProviderAvailable naming every id
// tried. Resolution reads availability flags, never writes them.
func (r *Registry) Resolve(cfg types.ProviderConfig) (Resolution, error) {
	chain := make([]string, 0, 1+len(cfg.Fallback))
	if cfg.Name != "" {
		chain = append(chain, cfg.Name)
	}
	chain = append(chain, cfg.Fallback...)
	if len(chain) == 0 {
		chain = r.IDs()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res   Resolution
		tried []string
	)
	seen := make(map[string]bool, len(chain))
	for _, raw := range chain {
		id := normalizeID(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		tried = append(tried, id)

		inst, ok := r.instances[id]
		if !ok || !inst.Available {
			continue
		}
		res.Instances = append(res.Instances, inst)
	}

	if len(res.Instances) == 0 {
		return Resolution{}, fmt.Errorf("%w (tried %s)", ErrNoProviderAvailable, strings.Join(tried, ", "))
	}

	res.Model = cfg.Model
	if res.Model == "" {
		res.Model = res.Instances[0].DefaultModel
	}
	return res, nil
}
