// Package anyllm provides a universal chat provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Conversation state lives in process memory, keyed by conversation id. A
// daemon restart therefore drops all conversations; resuming a dropped id
// yields the stale-conversation signature the executor recovers from.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New("ollama", "llama3.3", anyllmlib.WithBaseURL("http://localhost:11434"))
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/wopr-network/wopr/pkg/provider/chat"
	"github.com/wopr-network/wopr/pkg/types"
)

// Provider implements chat.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
	models  []string

	mu    sync.Mutex
	convs map[string][]anyllmlib.Message
}

var _ chat.Provider = (*Provider)(nil)

// New creates a Provider backed by the given backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the default model (e.g. "gpt-4o", "claude-sonnet-4-5"); per-query
// overrides take precedence.
//
// opts are any-llm-go configuration options (anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL, ...). Without an API key option the backend falls
// back to its well-known environment variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, ...).
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	return &Provider{
		backend: backend,
		name:    strings.ToLower(backendName),
		model:   model,
		models:  knownModels(strings.ToLower(backendName), model),
		convs:   make(map[string][]anyllmlib.Message),
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Query implements chat.Provider.
func (p *Provider) Query(ctx context.Context, req chat.QueryRequest) (<-chan chat.Event, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	convID := req.ConversationID
	fresh := convID == ""

	p.mu.Lock()
	var history []anyllmlib.Message
	if fresh {
		convID = uuid.NewString()
		if req.System != "" {
			history = append(history, anyllmlib.Message{
				Role:    anyllmlib.RoleSystem,
				Content: req.System,
			})
		}
	} else {
		prev, ok := p.convs[convID]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("anyllm: resume conversation %q: %w", convID, chat.ErrStaleConversation)
		}
		history = append(history, prev...)
	}
	history = append(history, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: promptWithImages(req.Prompt, req.Images),
	})
	p.mu.Unlock()

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: history,
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan chat.Event, 32)
	go func() {
		defer close(ch)

		send := func(ev chat.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(chat.Event{Type: chat.EventInit, ConversationID: convID}) {
			return
		}

		var full strings.Builder
		toolCallAccum := map[int]*types.ToolCall{}
		emittedTools := false

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				full.WriteString(delta.Content)
				if !send(chat.Event{Type: chat.EventText, Text: delta.Content}) {
					return
				}
			}

			// Fragments of one call share the index the delta declares; the
			// slice position varies chunk to chunk when calls interleave.
			mergeToolFragments(toolCallAccum, delta.ToolCalls)

			// On the final chunk, surface accumulated tool calls.
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0 && !emittedTools) {
				emittedTools = true
				for _, tc := range orderedToolCalls(toolCallAccum) {
					if !send(chat.Event{Type: chat.EventToolUse, ToolUse: tc}) {
						return
					}
				}
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			send(chat.Event{Type: chat.EventResult, Result: &chat.Result{
				Subtype: chat.ResultError,
				Err:     err.Error(),
				Stale:   chat.IsStale(err),
			}})
			return
		}

		text := full.String()
		if text != "" {
			if !send(chat.Event{Type: chat.EventAssistant, Text: text}) {
				return
			}
		}

		// Persist the exchange so the next query can resume the conversation.
		p.mu.Lock()
		p.convs[convID] = append(history, anyllmlib.Message{
			Role:    anyllmlib.RoleAssistant,
			Content: text,
		})
		p.mu.Unlock()

		send(chat.Event{Type: chat.EventResult, Result: &chat.Result{Subtype: chat.ResultSuccess}})
	}()

	return ch, nil
}

// ListModels implements chat.Provider. any-llm-go exposes no catalogue
// endpoint, so this returns the static per-backend catalogue seeded with the
// configured default model.
func (p *Provider) ListModels(_ context.Context) ([]string, error) {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out, nil
}

// mergeToolFragments folds streamed tool-call fragments into accum, keyed by
// the index each fragment declares. Only a call's first fragment carries the
// id and name; later fragments append argument text.
func mergeToolFragments(accum map[int]*types.ToolCall, fragments []anyllmlib.ToolCall) {
	for _, tc := range fragments {
		idx := int(tc.Index)
		existing, ok := accum[idx]
		if !ok {
			existing = &types.ToolCall{}
			accum[idx] = existing
		}
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Function.Name != "" {
			existing.Name = tc.Function.Name
		}
		existing.Arguments += tc.Function.Arguments
	}
}

// orderedToolCalls returns the accumulated calls in ascending index order.
func orderedToolCalls(accum map[int]*types.ToolCall) []*types.ToolCall {
	keys := make([]int, 0, len(accum))
	for k := range accum {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*types.ToolCall, 0, len(keys))
	for _, k := range keys {
		out = append(out, accum[k])
	}
	return out
}

// promptWithImages annotates image attachments into the prompt text. any-llm
// messages are text-only; annotation keeps the reference visible to the model
// instead of silently dropping it.
func promptWithImages(prompt string, images []types.ImageRef) string {
	if len(images) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	for _, img := range images {
		ref := img.URL
		if ref == "" {
			ref = img.Path
		}
		sb.WriteString("\n[image: ")
		sb.WriteString(ref)
		sb.WriteString("]")
	}
	return sb.String()
}

// knownModels returns a static model catalogue per backend, with the
// configured default model first. Kept deliberately short — this feeds
// /v1/models and CLI listings, not validation.
func knownModels(backendName, configured string) []string {
	var catalogue []string
	switch backendName {
	case "openai":
		catalogue = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "o3", "o3-mini"}
	case "anthropic":
		catalogue = []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-3-5-haiku-latest"}
	case "gemini":
		catalogue = []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}
	case "deepseek":
		catalogue = []string{"deepseek-chat", "deepseek-reasoner"}
	case "mistral":
		catalogue = []string{"mistral-large-latest", "mistral-small-latest"}
	case "groq":
		catalogue = []string{"llama-3.3-70b-versatile"}
	}

	out := []string{configured}
	for _, m := range catalogue {
		if m != configured {
			out = append(out, m)
		}
	}
	return out
}
