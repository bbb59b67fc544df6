// Package mock provides a test double for the chat.Provider interface.
//
// Use Provider in unit tests to verify that the executor sends correct
// QueryRequests and to feed controlled event streams without a live model
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Echo: true}
//	events, err := p.Query(ctx, chat.QueryRequest{Prompt: "hi"})
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wopr-network/wopr/pkg/provider/chat"
)

// QueryCall records a single invocation of Query.
type QueryCall struct {
	// Ctx is the context passed to Query.
	Ctx context.Context
	// Req is the QueryRequest passed to Query.
	Req chat.QueryRequest
}

// Provider is a mock implementation of chat.Provider.
//
// Behaviour precedence: QueryFunc (full override) > QueryErr > Events script >
// Echo. Echo mode tracks conversation ids like a real adapter: resuming an id
// it never issued returns the stale-conversation signature.
type Provider struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// QueryFunc, if non-nil, replaces all built-in Query behaviour.
	QueryFunc func(ctx context.Context, req chat.QueryRequest) (<-chan chat.Event, error)

	// QueryErr, if non-nil, is returned from Query before a channel opens.
	QueryErr error

	// Events is the scripted event sequence emitted for each Query.
	Events []chat.Event

	// Echo synthesises a realistic stream per query: init, one text delta
	// echoing the prompt, an assistant block, result success.
	Echo bool

	// EventDelay pauses before each emitted event. Use it to simulate slow
	// providers in cancellation and idle-timeout tests.
	EventDelay time.Duration

	// Models is returned by ListModels.
	Models []string

	// ListModelsErr, if non-nil, is returned as the error from ListModels.
	ListModelsErr error

	// --- Call records (read after test) ---

	// QueryCalls records every invocation of Query in order.
	QueryCalls []QueryCall

	// ListModelsCalls counts ListModels invocations.
	ListModelsCalls int

	convs   map[string]bool
	convSeq int
}

// Ensure Provider implements chat.Provider at compile time.
var _ chat.Provider = (*Provider)(nil)

// Query records the call and produces events per the configured behaviour.
func (p *Provider) Query(ctx context.Context, req chat.QueryRequest) (<-chan chat.Event, error) {
	p.mu.Lock()
	p.QueryCalls = append(p.QueryCalls, QueryCall{Ctx: ctx, Req: req})

	if p.QueryFunc != nil {
		fn := p.QueryFunc
		p.mu.Unlock()
		return fn(ctx, req)
	}
	if p.QueryErr != nil {
		err := p.QueryErr
		p.mu.Unlock()
		return nil, err
	}

	if len(p.Events) > 0 {
		events := make([]chat.Event, len(p.Events))
		copy(events, p.Events)
		delay := p.EventDelay
		p.mu.Unlock()
		return p.play(ctx, events, delay), nil
	}

	// Echo mode.
	if p.convs == nil {
		p.convs = make(map[string]bool)
	}
	convID := req.ConversationID
	if convID == "" {
		p.convSeq++
		convID = fmt.Sprintf("mock-conv-%d", p.convSeq)
		p.convs[convID] = true
	} else if !p.convs[convID] {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock: resume conversation %q: %w", convID, chat.ErrStaleConversation)
	}
	delay := p.EventDelay
	p.mu.Unlock()

	events := []chat.Event{
		{Type: chat.EventInit, ConversationID: convID},
		{Type: chat.EventText, Text: req.Prompt},
		{Type: chat.EventAssistant, Text: req.Prompt},
		{Type: chat.EventResult, Result: &chat.Result{Subtype: chat.ResultSuccess}},
	}
	return p.play(ctx, events, delay), nil
}

// play emits events on a fresh channel, honouring the configured delay and
// context cancellation.
func (p *Provider) play(ctx context.Context, events []chat.Event, delay time.Duration) <-chan chat.Event {
	ch := make(chan chat.Event, len(events))
	go func() {
		defer close(ch)
		for _, ev := range events {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// ListModels records the call and returns Models, ListModelsErr.
func (p *Provider) ListModels(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListModelsCalls++
	if p.ListModelsErr != nil {
		return nil, p.ListModelsErr
	}
	out := make([]string, len(p.Models))
	copy(out, p.Models)
	return out, nil
}

// SeedConversation marks a conversation id as known to Echo mode, so resumes
// of it succeed.
func (p *Provider) SeedConversation(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.convs == nil {
		p.convs = make(map[string]bool)
	}
	p.convs[id] = true
}

// Reset clears all recorded calls and Echo conversation state. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.QueryCalls = nil
	p.ListModelsCalls = 0
	p.convs = nil
	p.convSeq = 0
}
