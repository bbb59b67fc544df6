// Package inject implements the injection executor: the pipeline that turns
// one queued user message into a streamed model response, with policy checks,
// context assembly, middleware, logging, and provider failover along the way.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr/internal/assembly"
	"github.com/wopr-network/wopr/internal/middleware"
	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/resilience"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

// ErrIdleTimeout is returned when the provider stream produces no event for
// the configured idle window. The conversation id saved before the stall is
// preserved.
var ErrIdleTimeout = errors.New("inject: provider idle timeout")

// BlockedMessage and BlockedResponse are the context entries logged when a
// middleware prevents an exchange.
const (
	BlockedMessage  = "Message blocked by hook."
	BlockedResponse = "Response blocked by hook."
)

// DefaultIdleTimeout is the stream idle window when none is configured.
const DefaultIdleTimeout = 10 * time.Minute

// Publisher receives the events the executor fans out. The hub implements it;
// a nil publisher drops them.
type Publisher interface {
	Publish(topic string, data any)
}

// Tools is the executor's view of the tool registry: the definitions offered
// to the model and the out-of-band dispatch of tool-use blocks.
type Tools interface {
	Definitions() []types.ToolDefinition
	Dispatch(ctx context.Context, session string, source types.InjectionSource, call types.ToolCall)
}

// Event is the payload published to session topics.
type Event struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    any    `json:"data,omitempty"`
}

// Executor runs injections. Wire one into the queue manager via SetExecutor.
type Executor struct {
	store      *store.Store
	assembly   *assembly.Registry
	middleware *middleware.Chain
	security   *security.Engine
	contexts   *security.ContextStore
	registry   *registry.Registry

	tools       Tools
	pub         Publisher
	idleTimeout time.Duration
	breakerCfg  resilience.CircuitBreakerConfig

	mu     sync.Mutex
	groups map[string]*resilience.FallbackGroup[*registry.Instance]
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher wires the event fan-out target.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.pub = p }
}

// WithTools wires the tool registry.
func WithTools(t Tools) Option {
	return func(e *Executor) { e.tools = t }
}

// WithIdleTimeout overrides the stream idle window.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// WithBreakerConfig overrides the per-provider circuit breaker tuning.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(e *Executor) { e.breakerCfg = cfg }
}

// New creates an Executor over the given subsystems.
func New(st *store.Store, asm *assembly.Registry, chain *middleware.Chain, sec *security.Engine, reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		store:       st,
		assembly:    asm,
		middleware:  chain,
		security:    sec,
		contexts:    security.NewContextStore(),
		registry:    reg,
		idleTimeout: DefaultIdleTimeout,
		groups:      map[string]*resilience.FallbackGroup[*registry.Instance]{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Contexts exposes the in-flight security contexts (readiness probes, tests).
func (e *Executor) Contexts() *security.ContextStore {
	return e.contexts
}

// Execute runs one injection. Its signature matches queue.Executor.
func (e *Executor) Execute(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
	source := types.OwnerSource()
	if opts.Source != nil {
		source = *opts.Source
	}

	// The security context lives for exactly the span of this call.
	sc := &security.SecurityContext{
		InjectID:  uuid.NewString(),
		Session:   session,
		Source:    source,
		Policy:    e.security.ResolvePolicy(source, session),
		StartedAt: time.Now(),
	}
	e.contexts.Set(sc)
	defer e.contexts.Clear(sc.InjectID)

	access := e.security.CheckSessionAccess(source, session)
	sc.Record(security.AccessEvent{
		Time: time.Now(), Check: "session_access", Target: session,
		Allowed: access.Allowed, Reason: access.Reason,
	})
	if !access.Allowed {
		return nil, &security.AccessError{Reason: access.Reason}
	}
	if access.Warning != "" {
		slog.Warn("inject: access allowed in warn mode", "session", session, "warning", access.Warning)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := types.NormalizeMessage(message, nil, opts.Images)

	resuming := e.store.SessionID(session) != ""
	if !resuming {
		e.publish(session, "session:create", nil)
	}

	assembled := e.assembly.Assemble(ctx, assembly.Request{
		Session: session,
		Message: msg.Text,
		From:    opts.From,
	}, opts.Providers)
	for _, w := range assembled.Warnings {
		slog.Warn("inject: context assembly warning", "session", session, "warning", w)
	}
	if assembled.System != "" || assembled.Context != "" {
		e.logContext(session, assembled)
	}

	in := e.middleware.RunIncoming(ctx, middleware.Hook{
		Session: session, Payload: msg.Text, From: opts.From, Channel: opts.Channel,
	})
	if in.Prevented {
		e.logBlocked(session, BlockedMessage)
		return &types.InjectResult{SessionID: e.store.SessionID(session)}, nil
	}
	processed := in.Payload

	if err := e.store.Log().LogMessage(session, annotate(processed, msg.Images), store.LogOptions{
		From: opts.From, SenderID: opts.SenderID, Channel: opts.Channel,
	}); err != nil {
		slog.Warn("inject: log message", "session", session, "err", err)
	}

	prompt := composePrompt(processed, assembled.Context, opts.From)

	cfg, err := e.sessionProvider(session)
	if err != nil {
		return nil, fmt.Errorf("inject: session %q: %w", session, err)
	}
	resolution, err := e.registry.Resolve(*cfg)
	if err != nil {
		return nil, fmt.Errorf("inject: session %q: %w", session, err)
	}

	outcome, err := e.stream(ctx, sc, session, prompt, assembled.System, msg.Images, cfg, resolution, opts.OnStream)
	if err != nil {
		return nil, err
	}

	out := e.middleware.RunOutgoing(ctx, middleware.Hook{
		Session: session, Payload: outcome.response, From: opts.From, Channel: opts.Channel,
	})
	response := out.Payload
	if out.Prevented {
		e.logBlocked(session, BlockedResponse)
		response = ""
	}

	if response != "" {
		if err := e.store.Log().Append(session, types.ConversationEntry{
			From: outcome.providerID, Content: response, Type: types.EntryResponse,
		}); err != nil {
			slog.Warn("inject: log response", "session", session, "err", err)
		}
	}

	if err := e.store.SetLastTrigger(session, time.Now().UnixMilli()); err != nil {
		slog.Warn("inject: update last trigger", "session", session, "err", err)
	}

	return &types.InjectResult{
		Response:  response,
		SessionID: e.store.SessionID(session),
	}, nil
}

// sessionProvider loads the session's provider config, auto-picking and
// persisting the first available provider when none is stored.
func (e *Executor) sessionProvider(session string) (*types.ProviderConfig, error) {
	cfg, err := e.store.Provider(session)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}
	for _, d := range e.registry.List() {
		if !d.Available {
			continue
		}
		picked := types.ProviderConfig{Name: d.ID}
		if err := e.store.SetProvider(session, picked); err != nil {
			slog.Warn("inject: persist auto-picked provider", "session", session, "err", err)
		} else {
			slog.Info("inject: auto-picked provider", "session", session, "provider", d.ID)
		}
		return &picked, nil
	}
	return nil, registry.ErrNoProviderAvailable
}

func (e *Executor) logContext(session string, assembled assembly.Assembled) {
	content := strings.TrimSpace(assembled.System + "\n\n" + assembled.Context)
	entry := types.ConversationEntry{
		From:    "system",
		Content: content,
		Type:    types.EntryContext,
	}
	if err := e.store.Log().Append(session, entry); err != nil {
		slog.Warn("inject: log context", "session", session, "err", err)
	}
}

func (e *Executor) logBlocked(session, text string) {
	slog.Info("inject: blocked by middleware", "session", session, "detail", text)
	if err := e.store.Log().Append(session, types.ConversationEntry{
		From: "system", Content: text, Type: types.EntryContext,
	}); err != nil {
		slog.Warn("inject: log block", "session", session, "err", err)
	}
}

// publish fans an event out to the session topics. The new-style instance
// topic and the legacy session topic carry the same payload.
func (e *Executor) publish(session, eventType string, data any) {
	if e.pub == nil {
		return
	}
	ev := Event{Type: eventType, Session: session, Data: data}
	e.pub.Publish("instance:"+session+":session", ev)
	e.pub.Publish("session:"+session, ev)
}

// composePrompt applies the slash-command and speaker-prefix rules. Commands
// must stay on the first line, so they get neither context nor prefix.
func composePrompt(processed, contextBlock, from string) string {
	trimmed := strings.TrimSpace(processed)
	if strings.HasPrefix(trimmed, "/") {
		return trimmed
	}
	if from != "" && from != "cli" && from != "unknown" {
		trimmed = from + ": " + trimmed
	}
	if contextBlock == "" {
		return trimmed
	}
	return contextBlock + "\n\n" + trimmed
}

// annotate appends image references to the logged message text.
func annotate(text string, images []types.ImageRef) string {
	if len(images) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, img := range images {
		ref := img.Path
		if ref == "" {
			ref = img.URL
		}
		fmt.Fprintf(&b, "\n[image: %s]", ref)
	}
	return b.String()
}
