// Package types defines the shared types used across all WOPR packages.
//
// These types form the lingua franca between the session store, the queue
// manager, the injection executor, the security engine, and the transport
// layers. They are intentionally minimal — each package defines its own domain
// types, but cross-cutting data structures live here to avoid circular imports.
package types

import "strings"

// EntryType classifies a conversation log entry.
type EntryType string

const (
	// EntryMessage is a user (or platform) message directed at the session.
	EntryMessage EntryType = "message"

	// EntryResponse is a model response produced by an injection.
	EntryResponse EntryType = "response"

	// EntryContext records assembled context or pipeline notices
	// ("Message blocked by hook.", context additions).
	EntryContext EntryType = "context"

	// EntryTool records a tool invocation and its result.
	EntryTool EntryType = "tool"

	// EntrySystem records daemon-level events (provider init, resume, errors).
	EntrySystem EntryType = "system"
)

// IsValid reports whether t is a recognised entry type.
func (t EntryType) IsValid() bool {
	switch t {
	case EntryMessage, EntryResponse, EntryContext, EntryTool, EntrySystem:
		return true
	}
	return false
}

// ConversationEntry is one append-only record in a session's conversation log.
// The log is the authority for session history; entries are never rewritten.
type ConversationEntry struct {
	// TS is the entry timestamp in epoch milliseconds. Strictly monotonic
	// within one session log.
	TS int64 `json:"ts"`

	// From is a free-text origin label ("cli", "scheduler", a username, ...).
	From string `json:"from"`

	// SenderID optionally identifies the sender on an external platform.
	SenderID string `json:"senderId,omitempty"`

	// Content is the entry payload.
	Content string `json:"content"`

	// Type classifies the entry.
	Type EntryType `json:"type"`

	// Channel optionally references an external platform location
	// (e.g. "discord:1234567890").
	Channel string `json:"channel,omitempty"`
}

// SourceType identifies the path an injection arrived through.
type SourceType string

const (
	SourceCLI       SourceType = "cli"
	SourceDaemon    SourceType = "daemon"
	SourcePlugin    SourceType = "plugin"
	SourceAPI       SourceType = "api"
	SourceP2P       SourceType = "p2p"
	SourceScheduler SourceType = "scheduler"
)

// IsValid reports whether s is a recognised source type.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceCLI, SourceDaemon, SourcePlugin, SourceAPI, SourceP2P, SourceScheduler:
		return true
	}
	return false
}

// TrustLevel is an ordered label attached to an injection source. Higher
// levels hold every permission of the levels below them.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustSemiTrusted
	TrustTrusted
	TrustOwner
)

// trustNames maps levels to their wire representation.
var trustNames = map[TrustLevel]string{
	TrustUntrusted:   "untrusted",
	TrustSemiTrusted: "semi-trusted",
	TrustTrusted:     "trusted",
	TrustOwner:       "owner",
}

// String returns the wire name of the trust level.
func (t TrustLevel) String() string {
	if s, ok := trustNames[t]; ok {
		return s
	}
	return "untrusted"
}

// AtLeast reports whether t is at or above min in the trust ordering.
func (t TrustLevel) AtLeast(min TrustLevel) bool {
	return t >= min
}

// MarshalText implements encoding.TextMarshaler so trust levels serialise as
// their wire names in JSON configs.
func (t TrustLevel) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names map to
// untrusted rather than failing the whole config load.
func (t *TrustLevel) UnmarshalText(b []byte) error {
	*t = ParseTrustLevel(string(b))
	return nil
}

// ParseTrustLevel maps a wire name to a TrustLevel. Unknown names resolve to
// TrustUntrusted — the failure mode that grants the least.
func ParseTrustLevel(s string) TrustLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return TrustOwner
	case "trusted":
		return TrustTrusted
	case "semi-trusted", "semitrusted", "semi":
		return TrustSemiTrusted
	default:
		return TrustUntrusted
	}
}

// DefaultTrust returns the trust level a source type carries when no explicit
// override is present.
func DefaultTrust(s SourceType) TrustLevel {
	switch s {
	case SourceCLI, SourceScheduler:
		return TrustOwner
	case SourceDaemon, SourcePlugin:
		return TrustTrusted
	case SourceAPI:
		return TrustSemiTrusted
	default:
		return TrustUntrusted
	}
}

// InjectionSource describes who or what requested an injection. Required on
// every injection; the security engine resolves it into an effective policy.
type InjectionSource struct {
	// Type is the injection path.
	Type SourceType `json:"type"`

	// Origin is a free-text descriptor of the concrete caller
	// ("cron:morning-brief", "discord", a peer id, ...).
	Origin string `json:"origin"`

	// GrantedCapabilities are extra capabilities unioned into the source's
	// base set during policy resolution.
	GrantedCapabilities []string `json:"grantedCapabilities,omitempty"`

	// TrustOverride replaces the source type's default trust level when set.
	TrustOverride *TrustLevel `json:"trustOverride,omitempty"`
}

// Trust returns the effective trust level of the source.
func (s InjectionSource) Trust() TrustLevel {
	if s.TrustOverride != nil {
		return *s.TrustOverride
	}
	return DefaultTrust(s.Type)
}

// OwnerSource is the source assumed when an injection arrives without one.
func OwnerSource() InjectionSource {
	return InjectionSource{Type: SourceCLI, Origin: "cli"}
}

// ProviderConfig is the per-session provider choice, persisted as
// sessions/{name}.provider.json.
type ProviderConfig struct {
	// Name is the chosen provider id.
	Name string `json:"name"`

	// Model optionally overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Fallback lists provider ids tried in order when Name is unavailable.
	Fallback []string `json:"fallback,omitempty"`
}

// ImageRef references an image attached to a message. Either Path or URL is
// set; providers that do not support images are expected to reject it
// themselves — the executor passes attachments through unconditionally.
type ImageRef struct {
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// MessageInput is the normalised shape of an injected message. Plain strings
// and multimodal payloads both normalise into this.
type MessageInput struct {
	Text   string     `json:"text"`
	Images []ImageRef `json:"images,omitempty"`
}

// NormalizeMessage unifies the accepted message shapes and merges
// option-supplied images into the payload.
func NormalizeMessage(text string, images, extra []ImageRef) MessageInput {
	m := MessageInput{Text: text}
	m.Images = append(m.Images, images...)
	m.Images = append(m.Images, extra...)
	return m
}

// Message represents a single message in a provider conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool identifier as exposed to the model.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is the JSON-schema object describing the tool's arguments.
	Parameters map[string]any
}

// StreamKind classifies a stream message forwarded to injection observers.
type StreamKind string

const (
	// StreamSystem reports provider/session lifecycle (init, resume).
	StreamSystem StreamKind = "system"

	// StreamText carries an incremental text delta.
	StreamText StreamKind = "text"

	// StreamToolUse reports a tool-use block for visibility; execution is
	// handled out of band by the tool registry.
	StreamToolUse StreamKind = "tool_use"

	// StreamComplete reports successful completion of the injection stream.
	StreamComplete StreamKind = "complete"

	// StreamError reports a terminal provider error.
	StreamError StreamKind = "error"
)

// StreamEvent is one message forwarded to injection observers while a
// response streams. Within a session, events arrive in provider order.
type StreamEvent struct {
	Kind    StreamKind `json:"kind"`
	Session string     `json:"session"`

	// Text is the delta for StreamText, the full detail for StreamSystem.
	Text string `json:"text,omitempty"`

	// ToolName is set for StreamToolUse.
	ToolName string `json:"toolName,omitempty"`

	// Detail carries the error subtype or permission-denial detail for
	// StreamError.
	Detail string `json:"detail,omitempty"`
}

// InjectOptions carries the optional knobs of a single injection.
type InjectOptions struct {
	// From labels the human (or system) speaker. Messages from a non-trivial
	// From (not "cli"/"unknown"/empty) are prefixed "{from}: " before they
	// reach the provider.
	From string

	// Channel references the external platform location the message came
	// from, recorded on log entries.
	Channel string

	// SenderID optionally identifies the sender on that platform.
	SenderID string

	// Source describes the injection path. Nil means owner CLI.
	Source *InjectionSource

	// Images are merged into the message payload.
	Images []ImageRef

	// Providers restricts context assembly to the named context providers.
	Providers []string

	// OnStream, when non-nil, observes stream events as the provider emits
	// them. Called synchronously between events; keep it fast.
	OnStream func(StreamEvent)
}

// InjectResult is the caller-visible outcome of a completed injection.
type InjectResult struct {
	// Response is the accumulated assistant text (empty when a middleware
	// prevented the exchange).
	Response string `json:"response"`

	// SessionID is the provider conversation id after the injection.
	SessionID string `json:"sessionId"`
}
