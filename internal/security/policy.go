// Package security implements the capability-based policy engine that gates
// every injection and every tool call.
//
// The engine resolves an [types.InjectionSource] into an effective
// [ResolvedPolicy] (trust level, capabilities, session access, forwarding
// rights), answers the four check operations (session access, capability,
// tool access, forwarding), and owns the persisted security.json config.
//
// Enforcement is resolved per check in the order: WOPR_SECURITY_ENFORCEMENT
// environment variable > stored config > compiled default (enforce). The env
// override applies only to the cached synchronous read — [Engine.Stored
// Enforcement] deliberately ignores it so operators can loosen enforcement at
// runtime without changing durable state.
package security

import (
	"slices"
	"strings"

	"github.com/wopr-network/wopr/pkg/types"
)

// Enforcement selects how policy denials are handled.
type Enforcement string

const (
	// EnforcementOff disables all checks.
	EnforcementOff Enforcement = "off"

	// EnforcementWarn logs denials and continues.
	EnforcementWarn Enforcement = "warn"

	// EnforcementEnforce surfaces denials as errors.
	EnforcementEnforce Enforcement = "enforce"
)

// IsValid reports whether e is a recognised enforcement mode. Anything else
// is ignored during resolution and the next source is tried.
func (e Enforcement) IsValid() bool {
	switch e {
	case EnforcementOff, EnforcementWarn, EnforcementEnforce:
		return true
	}
	return false
}

// EnvEnforcement overrides the stored enforcement mode for read paths only.
// It is never persisted back into the stored config.
const EnvEnforcement = "WOPR_SECURITY_ENFORCEMENT"

// CapWildcard grants every capability.
const CapWildcard = "*"

// Well-known capability identifiers. A dotted prefix is a parent that implies
// its descendants: holding "inject" grants "inject.tools", "inject.exec", and
// every other "inject.*" capability.
const (
	CapInject        = "inject"
	CapInjectTools   = "inject.tools"
	CapInjectExec    = "inject.exec"
	CapInjectNetwork = "inject.network"
	CapCrossInject   = "cross.inject"
	CapFilesRead     = "files.read"
	CapFilesWrite    = "files.write"
	CapConfigRead    = "config.read"
	CapConfigWrite   = "config.write"
	CapSessionManage = "session.manage"
)

// KnownCapabilities lists the capability identifiers the daemon itself
// understands. Grants outside this list are legal (plugins define their own
// namespaces); the list feeds the capabilities API and CLI listings.
var KnownCapabilities = []string{
	CapInject,
	CapInjectTools,
	CapInjectExec,
	CapInjectNetwork,
	CapCrossInject,
	CapFilesRead,
	CapFilesWrite,
	CapConfigRead,
	CapConfigWrite,
	CapSessionManage,
}

// ToolPolicy is a per-trust-level tool allow/deny list. An explicit allow
// entry wins over a wildcard deny; a literal deny always wins.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// LevelPolicy is the base policy attached to one trust level.
type LevelPolicy struct {
	// Capabilities is the base capability set. May contain the wildcard.
	Capabilities []string `json:"capabilities,omitempty"`

	// AllowedSessions restricts which sessions this trust level may inject
	// into. Empty means unrestricted; may contain the wildcard.
	AllowedSessions []string `json:"allowedSessions,omitempty"`

	// BlockedSessions lists sessions this trust level may never touch.
	BlockedSessions []string `json:"blockedSessions,omitempty"`

	// Sandbox requests sandboxed tool execution for this trust level.
	Sandbox bool `json:"sandbox,omitempty"`

	// RateLimit caps injections per minute. Zero means unlimited.
	RateLimit int `json:"rateLimit,omitempty"`

	// Tools is the trust level's tool allow/deny list.
	Tools ToolPolicy `json:"tools,omitempty"`
}

// SessionPolicy overrides policy for one named session.
type SessionPolicy struct {
	// Access lists source patterns permitted to inject into this session.
	// Empty means the global default access patterns apply. A pattern matches
	// a source by its type, its origin, or an origin prefix glob ("peer-*").
	Access []string `json:"access,omitempty"`

	// Capabilities are extra capabilities granted to any source injecting
	// into this session.
	Capabilities []string `json:"capabilities,omitempty"`

	// Gateway marks the session as a forwarding gateway.
	Gateway bool `json:"gateway,omitempty"`

	// ForwardRules restricts which target sessions a gateway may forward to.
	// Empty on a gateway means any target that passes session access.
	ForwardRules []string `json:"forwardRules,omitempty"`
}

// Defaults holds the global fallbacks applied during policy resolution.
type Defaults struct {
	// MinTrustLevel is the floor below which session access is denied
	// outright (owners excepted).
	MinTrustLevel types.TrustLevel `json:"minTrustLevel"`

	// SessionAccess is the access pattern list applied to sessions without an
	// explicit policy.
	SessionAccess []string `json:"sessionAccess,omitempty"`
}

// Audit toggles access-event recording on the SecurityContext.
type Audit struct {
	// Enabled records denied access events.
	Enabled bool `json:"enabled"`

	// LogAllowed additionally records allowed events.
	LogAllowed bool `json:"logAllowed,omitempty"`
}

// Bundle is a named set of capabilities that can be activated into a trust
// level's base policy at runtime.
type Bundle struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Capabilities []string         `json:"capabilities"`
	TrustLevel   types.TrustLevel `json:"trustLevel"`
}

// Config is the persisted security policy (security.json).
type Config struct {
	// Enforcement is the stored enforcement mode.
	Enforcement Enforcement `json:"enforcement"`

	// TrustLevels maps trust level names to their base policies.
	TrustLevels map[string]*LevelPolicy `json:"trustLevels,omitempty"`

	// Sessions maps session names to per-session overrides.
	Sessions map[string]*SessionPolicy `json:"sessions,omitempty"`

	// Defaults are the global resolution fallbacks.
	Defaults Defaults `json:"defaults"`

	// Audit controls access-event recording.
	Audit Audit `json:"audit"`

	// Bundles holds the defined capability bundles by name.
	Bundles map[string]*Bundle `json:"bundles,omitempty"`

	// ActiveBundles records which bundles are currently merged into their
	// trust level, so deactivation can subtract exactly what activation added.
	ActiveBundles []string `json:"activeBundles,omitempty"`
}

// DefaultConfig returns the compiled default policy: enforce mode, owner gets
// the wildcard, trusted sources get inject + file reads, semi-trusted sources
// get plain inject, untrusted sources get nothing and must be granted
// capabilities explicitly.
func DefaultConfig() *Config {
	return &Config{
		Enforcement: EnforcementEnforce,
		TrustLevels: map[string]*LevelPolicy{
			types.TrustOwner.String(): {
				Capabilities: []string{CapWildcard},
			},
			types.TrustTrusted.String(): {
				Capabilities: []string{CapInject, CapFilesRead, CapConfigRead},
			},
			types.TrustSemiTrusted.String(): {
				Capabilities: []string{CapInject},
				Tools: ToolPolicy{
					Deny: []string{CapWildcard},
				},
			},
			types.TrustUntrusted.String(): {
				Sandbox:   true,
				RateLimit: 10,
				Tools: ToolPolicy{
					Deny: []string{CapWildcard},
				},
			},
		},
		Defaults: Defaults{
			MinTrustLevel: types.TrustSemiTrusted,
			SessionAccess: []string{CapWildcard},
		},
		Audit: Audit{Enabled: true},
	}
}

// clone deep-copies c so cache swaps never alias caller-held maps.
func (c *Config) clone() *Config {
	out := *c
	out.TrustLevels = make(map[string]*LevelPolicy, len(c.TrustLevels))
	for k, v := range c.TrustLevels {
		lp := *v
		lp.Capabilities = slices.Clone(v.Capabilities)
		lp.AllowedSessions = slices.Clone(v.AllowedSessions)
		lp.BlockedSessions = slices.Clone(v.BlockedSessions)
		lp.Tools.Allow = slices.Clone(v.Tools.Allow)
		lp.Tools.Deny = slices.Clone(v.Tools.Deny)
		out.TrustLevels[k] = &lp
	}
	out.Sessions = make(map[string]*SessionPolicy, len(c.Sessions))
	for k, v := range c.Sessions {
		sp := *v
		sp.Access = slices.Clone(v.Access)
		sp.Capabilities = slices.Clone(v.Capabilities)
		sp.ForwardRules = slices.Clone(v.ForwardRules)
		out.Sessions[k] = &sp
	}
	out.Bundles = make(map[string]*Bundle, len(c.Bundles))
	for k, v := range c.Bundles {
		b := *v
		b.Capabilities = slices.Clone(v.Capabilities)
		out.Bundles[k] = &b
	}
	out.ActiveBundles = slices.Clone(c.ActiveBundles)
	out.Defaults.SessionAccess = slices.Clone(c.Defaults.SessionAccess)
	return &out
}

// ResolvedPolicy is the effective policy computed for one injection.
type ResolvedPolicy struct {
	TrustLevel      types.TrustLevel `json:"trustLevel"`
	Capabilities    []string         `json:"capabilities"`
	AllowedSessions []string         `json:"allowedSessions,omitempty"`
	BlockedSessions []string         `json:"blockedSessions,omitempty"`
	Sandbox         bool             `json:"sandbox"`
	RateLimit       int              `json:"rateLimit,omitempty"`
	IsGateway       bool             `json:"isGateway"`
	CanForward      bool             `json:"canForward"`
	ForwardRules    []string         `json:"forwardRules,omitempty"`
}

// HasCapability reports whether the policy grants cap directly, via the
// wildcard, or via a dotted parent ("inject" implies "inject.tools").
func (p *ResolvedPolicy) HasCapability(cap string) bool {
	if cap == "" {
		return false
	}
	for _, held := range p.Capabilities {
		if held == CapWildcard || held == cap {
			return true
		}
		if strings.HasPrefix(cap, held+".") {
			return true
		}
	}
	return false
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// Warning is set when a denial was converted to an allow by warn mode.
	Warning string `json:"warning,omitempty"`
}

// allow is the positive decision.
func allow() Decision { return Decision{Allowed: true} }

// deny builds a negative decision with the given reason.
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// matchPattern reports whether a source matches one access pattern. A pattern
// matches on the wildcard, the source type name, the exact origin, or an
// origin prefix glob ("cron:*", "peer-*").
func matchPattern(pattern string, src types.InjectionSource) bool {
	if pattern == CapWildcard {
		return true
	}
	if pattern == string(src.Type) {
		return true
	}
	if pattern == src.Origin {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(src.Origin, prefix)
	}
	return false
}

// matchAny reports whether any pattern in the list matches the source.
func matchAny(patterns []string, src types.InjectionSource) bool {
	for _, p := range patterns {
		if matchPattern(p, src) {
			return true
		}
	}
	return false
}

// dedup returns caps with duplicates removed, preserving first-seen order.
func dedup(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// RequiredToolCapability maps a tool name to the capability gating it. Tools
// the daemon does not recognise fall back to name heuristics, then to the
// generic tool capability.
func RequiredToolCapability(tool string) string {
	if cap, ok := toolCapabilities[tool]; ok {
		return cap
	}
	lower := strings.ToLower(tool)
	switch {
	case strings.Contains(lower, "exec"), strings.Contains(lower, "shell"), strings.Contains(lower, "bash"):
		return CapInjectExec
	case strings.Contains(lower, "fetch"), strings.Contains(lower, "http"), strings.Contains(lower, "search"), strings.Contains(lower, "browse"):
		return CapInjectNetwork
	case strings.Contains(lower, "write"), strings.Contains(lower, "edit"):
		return CapFilesWrite
	case strings.Contains(lower, "read"), strings.Contains(lower, "file"):
		return CapFilesRead
	}
	return CapInjectTools
}

// toolCapabilities is the static tool → capability map for tools with names
// the heuristics would misclassify.
var toolCapabilities = map[string]string{
	"memory_store":  CapFilesWrite,
	"memory_recall": CapFilesRead,
}
