// Package chat defines the Provider interface for conversational model
// backends.
//
// A chat provider wraps a remote or local model API (Anthropic Claude, OpenAI
// GPT, a local Ollama instance, ...) and exposes a uniform streaming query
// interface to the injection executor without coupling it to any specific SDK.
// Providers own the conversation state: the executor hands them an opaque
// conversation id and a prompt, and consumes a stream of typed events.
//
// Implementors must be safe for concurrent use. Channels returned by Query
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package chat

import (
	"context"
	"errors"

	"github.com/wopr-network/wopr/pkg/types"
)

// ErrStaleConversation is returned (wrapped) when a conversation id refers to
// a conversation the provider no longer knows — typically after a daemon
// restart dropped in-memory state, or after provider-side expiry. The executor
// reacts by clearing the stored id and retrying exactly once.
var ErrStaleConversation = errors.New("conversation not found")

// IsStale reports whether err carries the stale-conversation signature.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleConversation)
}

// EventType tags the variants of a stream event.
type EventType string

const (
	// EventInit announces the conversation id in use. Emitted once, before
	// any content, on both fresh conversations and successful resumes.
	EventInit EventType = "init"

	// EventText carries an incremental text delta.
	EventText EventType = "text"

	// EventAssistant carries a completed assistant text block (the
	// concatenation of the deltas that preceded it).
	EventAssistant EventType = "assistant"

	// EventToolUse reports that the model requested a tool invocation.
	EventToolUse EventType = "tool_use"

	// EventResult terminates the stream with a success or error subtype.
	EventResult EventType = "result"
)

// Result subtypes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Result is the payload of the terminal EventResult.
type Result struct {
	// Subtype is "success" or an error subtype.
	Subtype string

	// Err holds the error detail for non-success results.
	Err string

	// Stale marks the stale-conversation signature so the executor can
	// distinguish it from ordinary provider errors.
	Stale bool

	// PermissionDenials lists tools the provider refused to run, when the
	// error was a permission denial.
	PermissionDenials []string
}

// Event is one tagged message in a query stream. Only the fields implied by
// Type are set.
type Event struct {
	// Type selects the variant.
	Type EventType

	// ConversationID is set on EventInit.
	ConversationID string

	// Text is the delta for EventText and the full block for EventAssistant.
	Text string

	// ToolUse is set on EventToolUse.
	ToolUse *types.ToolCall

	// Result is set on EventResult.
	Result *Result
}

// QueryRequest carries everything a provider needs to stream one response.
type QueryRequest struct {
	// ConversationID resumes an existing conversation when non-empty. Empty
	// starts a fresh conversation; the provider announces the new id via
	// EventInit.
	ConversationID string

	// System is the system context for the conversation. Applied on fresh
	// conversations; providers may ignore it on resumes.
	System string

	// Prompt is the user message driving this response.
	Prompt string

	// Model optionally overrides the provider's default model.
	Model string

	// Images are attachments referenced by the prompt. Providers that do not
	// support image input reject the request themselves.
	Images []types.ImageRef

	// Tools is the policy-filtered set of tool definitions offered to the
	// model for this query.
	Tools []types.ToolDefinition
}

// Provider is the abstraction over any conversational model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly: when ctx is cancelled,
// Query's event channel must close as quickly as possible.
type Provider interface {
	// Query sends req to the model and returns a read-only channel emitting
	// Events as they arrive. The channel is closed by the implementation when
	// the stream terminates (after EventResult) or when ctx is cancelled.
	//
	// The initial error return is non-nil only for failures that prevent the
	// stream from starting: invalid credentials, a malformed request, or (as
	// [ErrStaleConversation]) an unknown conversation id. Errors after the
	// stream opens surface as an EventResult with an error subtype.
	//
	// Callers must drain the channel to avoid goroutine leaks. The returned
	// channel is never nil when error is nil.
	Query(ctx context.Context, req QueryRequest) (<-chan Event, error)

	// ListModels returns the model identifiers this provider can serve. Also
	// used as the registry's lightweight health probe.
	ListModels(ctx context.Context) ([]string, error)
}
