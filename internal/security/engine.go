package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/wopr-network/wopr/pkg/types"
)

// AccessError is the error surfaced when a check denies in enforce mode.
type AccessError struct {
	// Reason is the denial reason from the failing check.
	Reason string
}

func (e *AccessError) Error() string {
	return "Access denied: " + e.Reason
}

// IsAccessDenied reports whether err is a policy denial.
func IsAccessDenied(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae)
}

// Engine is the security policy engine. The current config is cached in
// memory; writes go through [Engine.Save] which swaps the cache atomically.
// All methods are safe for concurrent use.
type Engine struct {
	path string

	cache atomic.Pointer[Config]

	// saveMu serialises the read-modify-write cycles of Save/bundle ops.
	saveMu sync.Mutex

	// warnedLoad guards the one-time malformed-config log.
	warnedLoad sync.Once
}

// NewEngine creates an Engine persisting to path (conventionally
// {home}/security.json) and loads the stored config. A missing file yields
// the compiled default policy; a malformed one yields the default and one
// error log.
func NewEngine(path string) *Engine {
	e := &Engine{path: path}
	e.cache.Store(e.load())
	return e
}

// load reads and parses the stored config. Never fails: the compiled default
// covers missing and malformed files.
func (e *Engine) load() *Config {
	data, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig()
	}
	if err != nil {
		e.warnedLoad.Do(func() {
			slog.Error("security: reading config, using defaults", "path", e.path, "err", err)
		})
		return DefaultConfig()
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		e.warnedLoad.Do(func() {
			slog.Error("security: malformed config, using defaults", "path", e.path, "err", err)
		})
		return DefaultConfig()
	}
	if cfg.TrustLevels == nil {
		cfg.TrustLevels = DefaultConfig().TrustLevels
	}
	return cfg
}

// Reload re-reads the stored config into the cache. Wired to the security.json
// file watcher so hand edits take effect without a restart.
func (e *Engine) Reload() {
	e.cache.Store(e.load())
	slog.Info("security: config reloaded", "path", e.path)
}

// Config returns a deep copy of the cached config.
func (e *Engine) Config() *Config {
	return e.cache.Load().clone()
}

// Save persists cfg and swaps the cache atomically.
func (e *Engine) Save(cfg *Config) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.saveLocked(cfg)
}

func (e *Engine) saveLocked(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("security: encode config: %w", err)
	}
	if err := os.WriteFile(e.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("security: write config: %w", err)
	}
	e.cache.Store(cfg.clone())
	return nil
}

// ── enforcement resolution ─────────────────────────────────────────────────

// EnforcementMode resolves the effective enforcement: environment override >
// cached config > compiled default. Invalid values at any step are ignored
// and the next source is tried.
func (e *Engine) EnforcementMode() Enforcement {
	if env := Enforcement(os.Getenv(EnvEnforcement)); env.IsValid() {
		return env
	}
	if stored := e.cache.Load().Enforcement; stored.IsValid() {
		return stored
	}
	return EnforcementEnforce
}

// IsEnforcementEnabled reports whether denials are fatal right now.
func (e *Engine) IsEnforcementEnabled() bool {
	return e.EnforcementMode() == EnforcementEnforce
}

// StoredEnforcement re-reads the persisted config and returns its enforcement
// value, deliberately ignoring the environment override. This is the durable
// half of the dual-read asymmetry: the env var loosens live checks without
// ever rewriting what is on disk.
func (e *Engine) StoredEnforcement() Enforcement {
	if stored := e.load().Enforcement; stored.IsValid() {
		return stored
	}
	return EnforcementEnforce
}

// ── policy resolution ──────────────────────────────────────────────────────

// ResolvePolicy computes the effective policy for source, optionally scoped
// to a session (whose per-session overrides then apply).
func (e *Engine) ResolvePolicy(source types.InjectionSource, sessionName string) *ResolvedPolicy {
	cfg := e.cache.Load()
	trust := source.Trust()

	rp := &ResolvedPolicy{TrustLevel: trust}

	if lp := cfg.TrustLevels[trust.String()]; lp != nil {
		rp.Capabilities = append(rp.Capabilities, lp.Capabilities...)
		rp.AllowedSessions = slices.Clone(lp.AllowedSessions)
		rp.BlockedSessions = slices.Clone(lp.BlockedSessions)
		rp.Sandbox = lp.Sandbox
		rp.RateLimit = lp.RateLimit
	}

	rp.Capabilities = append(rp.Capabilities, source.GrantedCapabilities...)

	if sessionName != "" {
		if sp := cfg.Sessions[sessionName]; sp != nil {
			rp.Capabilities = append(rp.Capabilities, sp.Capabilities...)
			rp.IsGateway = sp.Gateway
			rp.ForwardRules = slices.Clone(sp.ForwardRules)
		}
	}
	rp.Capabilities = dedup(rp.Capabilities)
	rp.CanForward = rp.IsGateway && rp.HasCapability(CapCrossInject)
	return rp
}

// CheckSessionAccess decides whether source may inject into session. The
// checks run in a fixed order: owner always passes, then the global trust
// floor, then the trust level's block list, then its allow list, then the
// session's own access patterns.
func (e *Engine) CheckSessionAccess(source types.InjectionSource, session string) Decision {
	if e.EnforcementMode() == EnforcementOff {
		return allow()
	}

	cfg := e.cache.Load()
	trust := source.Trust()

	if trust == types.TrustOwner {
		return allow()
	}

	if !trust.AtLeast(cfg.Defaults.MinTrustLevel) {
		return e.soften(deny(fmt.Sprintf(
			"trust level %q is below the minimum %q", trust, cfg.Defaults.MinTrustLevel)))
	}

	if lp := cfg.TrustLevels[trust.String()]; lp != nil {
		if slices.Contains(lp.BlockedSessions, session) {
			return e.soften(deny(fmt.Sprintf("session %q is blocked for trust level %q", session, trust)))
		}
		if len(lp.AllowedSessions) > 0 &&
			!slices.Contains(lp.AllowedSessions, CapWildcard) &&
			!slices.Contains(lp.AllowedSessions, session) {
			return e.soften(deny(fmt.Sprintf("session %q is not in the allow list for trust level %q", session, trust)))
		}
	}

	access := cfg.Defaults.SessionAccess
	if sp := cfg.Sessions[session]; sp != nil && len(sp.Access) > 0 {
		access = sp.Access
	}
	if len(access) > 0 && !matchAny(access, source) {
		return e.soften(deny(fmt.Sprintf(
			"source %s:%s does not match the access patterns of session %q", source.Type, source.Origin, session)))
	}

	return allow()
}

// CheckCapability decides whether source holds cap: via the wildcard, the
// literal capability, a dotted parent, or an explicit grant. Capabilities not
// held in any of those forms are denied.
func (e *Engine) CheckCapability(source types.InjectionSource, cap string) Decision {
	if e.EnforcementMode() == EnforcementOff {
		return allow()
	}
	rp := e.ResolvePolicy(source, "")
	if rp.HasCapability(cap) {
		return allow()
	}
	return e.soften(deny(fmt.Sprintf(
		"source %s:%s lacks capability %q", source.Type, source.Origin, cap)))
}

// CheckToolAccess decides whether source may invoke tool. The deny list is
// checked first — an explicit allow entry beats a wildcard deny, a literal
// deny always wins — then the tool's required capability.
//
// Warn mode relaxes the capability denial into an allow-with-warning, but
// wildcard-deny filtering stays enforced: warn loosens capability checks, it
// does not expose tools the policy wholesale withholds.
func (e *Engine) CheckToolAccess(source types.InjectionSource, tool string) Decision {
	mode := e.EnforcementMode()
	if mode == EnforcementOff {
		return allow()
	}

	cfg := e.cache.Load()
	trust := source.Trust()

	if lp := cfg.TrustLevels[trust.String()]; lp != nil {
		explicitAllow := slices.Contains(lp.Tools.Allow, tool)
		if slices.Contains(lp.Tools.Deny, tool) {
			return deny(fmt.Sprintf("tool %q is denied for trust level %q", tool, trust))
		}
		if slices.Contains(lp.Tools.Deny, CapWildcard) && !explicitAllow {
			// Deliberately not softened by warn mode.
			return deny(fmt.Sprintf("tools are wholesale denied for trust level %q", trust))
		}
	}

	required := RequiredToolCapability(tool)
	rp := e.ResolvePolicy(source, "")
	if rp.HasCapability(required) {
		return allow()
	}

	d := deny(fmt.Sprintf("tool %q requires capability %q", tool, required))
	if mode == EnforcementWarn {
		return Decision{Allowed: true, Warning: d.Reason}
	}
	return d
}

// FilterToolsByPolicy returns the subset of tools that pass
// [Engine.CheckToolAccess] under the current enforcement mode.
func (e *Engine) FilterToolsByPolicy(source types.InjectionSource, tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if d := e.CheckToolAccess(source, t); d.Allowed {
			if d.Warning != "" {
				slog.Warn("security: tool allowed by warn mode", "tool", t, "warning", d.Warning)
			}
			out = append(out, t)
		}
	}
	return out
}

// CanSessionForward decides whether the gateway session from may forward an
// injection from source to session to. The forwarding session must be a
// gateway holding cross.inject, the target must match its forward rules (when
// set), and the same source must pass session access on the target.
func (e *Engine) CanSessionForward(from, to string, source types.InjectionSource) Decision {
	if e.EnforcementMode() == EnforcementOff {
		return allow()
	}

	rp := e.ResolvePolicy(source, from)
	if !rp.IsGateway {
		return e.soften(deny(fmt.Sprintf("session %q is not a gateway", from)))
	}
	if !rp.HasCapability(CapCrossInject) {
		return e.soften(deny(fmt.Sprintf("forwarding from %q requires capability %q", from, CapCrossInject)))
	}
	if len(rp.ForwardRules) > 0 && !slices.Contains(rp.ForwardRules, to) && !slices.Contains(rp.ForwardRules, CapWildcard) {
		return e.soften(deny(fmt.Sprintf("session %q may not forward to %q", from, to)))
	}
	return e.CheckSessionAccess(source, to)
}

// soften converts a denial to an allow-with-warning in warn mode; in enforce
// mode the denial passes through unchanged.
func (e *Engine) soften(d Decision) Decision {
	if d.Allowed {
		return d
	}
	if e.EnforcementMode() == EnforcementWarn {
		slog.Warn("security: denial relaxed by warn mode", "reason", d.Reason)
		return Decision{Allowed: true, Warning: d.Reason}
	}
	return d
}
