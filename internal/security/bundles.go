package security

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownBundle is returned when activating or deactivating a bundle that
// was never defined.
var ErrUnknownBundle = errors.New("security: unknown bundle")

// DefineBundle adds or replaces a capability bundle and persists the config.
func (e *Engine) DefineBundle(b Bundle) error {
	if b.Name == "" {
		return fmt.Errorf("security: bundle name is required")
	}
	if len(b.Capabilities) == 0 {
		return fmt.Errorf("security: bundle %q has no capabilities", b.Name)
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	cfg := e.cache.Load().clone()
	if cfg.Bundles == nil {
		cfg.Bundles = map[string]*Bundle{}
	}
	cfg.Bundles[b.Name] = &b
	return e.saveLocked(cfg)
}

// ActivateBundle merges the named bundle's capabilities into its trust level's
// base set and persists. Activating an already-active bundle is a no-op.
func (e *Engine) ActivateBundle(name string) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	cfg := e.cache.Load().clone()
	b, ok := cfg.Bundles[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBundle, name)
	}
	if slices.Contains(cfg.ActiveBundles, name) {
		return nil
	}

	level := b.TrustLevel.String()
	lp := cfg.TrustLevels[level]
	if lp == nil {
		lp = &LevelPolicy{}
		cfg.TrustLevels[level] = lp
	}
	lp.Capabilities = dedup(append(lp.Capabilities, b.Capabilities...))
	cfg.ActiveBundles = append(cfg.ActiveBundles, name)
	return e.saveLocked(cfg)
}

// DeactivateBundle removes exactly the capabilities the bundle contributed
// that no other active bundle (and no default policy) still supplies, then
// persists. Deactivating an inactive bundle is a no-op.
func (e *Engine) DeactivateBundle(name string) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	cfg := e.cache.Load().clone()
	b, ok := cfg.Bundles[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBundle, name)
	}
	idx := slices.Index(cfg.ActiveBundles, name)
	if idx < 0 {
		return nil
	}
	cfg.ActiveBundles = slices.Delete(cfg.ActiveBundles, idx, idx+1)

	level := b.TrustLevel.String()
	lp := cfg.TrustLevels[level]
	if lp != nil {
		keep := stillSupplied(cfg, level, name)
		lp.Capabilities = slices.DeleteFunc(lp.Capabilities, func(cap string) bool {
			return slices.Contains(b.Capabilities, cap) && !keep[cap]
		})
	}
	return e.saveLocked(cfg)
}

// stillSupplied collects the capabilities of level that remain justified by
// another active bundle or by the compiled default policy, after excluding
// the bundle being deactivated.
func stillSupplied(cfg *Config, level, excludeBundle string) map[string]bool {
	keep := map[string]bool{}
	for _, active := range cfg.ActiveBundles {
		if active == excludeBundle {
			continue
		}
		if ab := cfg.Bundles[active]; ab != nil && ab.TrustLevel.String() == level {
			for _, cap := range ab.Capabilities {
				keep[cap] = true
			}
		}
	}
	if dlp := DefaultConfig().TrustLevels[level]; dlp != nil {
		for _, cap := range dlp.Capabilities {
			keep[cap] = true
		}
	}
	return keep
}
