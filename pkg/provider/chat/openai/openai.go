// Package openai provides a chat provider backed directly by the OpenAI API.
//
// Unlike the anyllm backend, this adapter talks to the official SDK, which
// gives it a real model catalogue (ListModels hits /v1/models and doubles as
// the health probe). Conversation state lives in process memory, keyed by
// conversation id, so a daemon restart yields the stale-conversation
// signature on resume.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/wopr-network/wopr/pkg/provider/chat"
	"github.com/wopr-network/wopr/pkg/types"
)

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string

	mu    sync.Mutex
	convs map[string][]oai.ChatCompletionMessageParamUnion
}

var _ chat.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI chat Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{
		client: client,
		model:  model,
		convs:  make(map[string][]oai.ChatCompletionMessageParamUnion),
	}, nil
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
	var history []oai.ChatCompletionMessageParamUnion
	if fresh {
		convID = uuid.NewString()
		if req.System != "" {
			history = append(history, oai.SystemMessage(req.System))
		}
	} else {
		prev, ok := p.convs[convID]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("openai: resume conversation %q: %w", convID, chat.ErrStaleConversation)
		}
		history = append(history, prev...)
	}
	history = append(history, userMessage(req.Prompt, req.Images))
	p.mu.Unlock()

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: history,
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: oai.String(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan chat.Event, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

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

		for stream.Next() {
			chunk := stream.Current()
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

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason == "tool_calls" ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0 && !emittedTools) {
				emittedTools = true
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						if !send(chat.Event{Type: chat.EventToolUse, ToolUse: tc}) {
							return
						}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(chat.Event{Type: chat.EventResult, Result: &chat.Result{
				Subtype: chat.ResultError,
				Err:     err.Error(),
			}})
			return
		}

		text := full.String()
		if text != "" {
			if !send(chat.Event{Type: chat.EventAssistant, Text: text}) {
				return
			}
		}

		p.mu.Lock()
		p.convs[convID] = append(history, oai.AssistantMessage(text))
		p.mu.Unlock()

		send(chat.Event{Type: chat.EventResult, Result: &chat.Result{Subtype: chat.ResultSuccess}})
	}()

	return ch, nil
}

// ListModels implements chat.Provider by querying /v1/models. The registry
// uses this as the provider health probe.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", err)
	}

	var out []string
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// userMessage builds the user message, annotating image attachments into the
// text (vision parts would require per-model capability checks the shim layer
// does not carry).
func userMessage(prompt string, images []types.ImageRef) oai.ChatCompletionMessageParamUnion {
	if len(images) == 0 {
		return oai.UserMessage(prompt)
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
	return oai.UserMessage(sb.String())
}
