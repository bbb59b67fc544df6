package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/resilience"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/pkg/provider/chat"
	"github.com/wopr-network/wopr/pkg/types"
)

// streamOutcome is the result of one successful provider stream.
type streamOutcome struct {
	response   string
	providerID string
}

// streamState threads the per-injection knobs into each fallback attempt.
type streamState struct {
	ctx     context.Context
	sc      *security.SecurityContext
	session string
	prompt  string
	system  string
	images  []types.ImageRef
	model   string // per-session override, may be empty
	onEvent func(types.StreamEvent)
}

// stream walks the resolved provider chain until one instance produces a
// complete response. Connection-phase failures fall through to the next
// instance; anything after output started, cancellation, and idle timeouts
// abort the walk.
func (e *Executor) stream(ctx context.Context, sc *security.SecurityContext, session, prompt, system string, images []types.ImageRef, cfg *types.ProviderConfig, res registry.Resolution, onEvent func(types.StreamEvent)) (*streamOutcome, error) {
	st := &streamState{
		ctx:     ctx,
		sc:      sc,
		session: session,
		prompt:  prompt,
		system:  system,
		images:  images,
		model:   cfg.Model,
		onEvent: onEvent,
	}

	group := e.groupFor(res.Instances)
	outcome, err := resilience.ExecuteWithResult(group, func(inst *registry.Instance) (*streamOutcome, error) {
		return e.attempt(st, inst)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrAllFailed) {
			return nil, fmt.Errorf("inject: session %q: %w", session, err)
		}
		return nil, err
	}
	return outcome, nil
}

// groupFor returns the cached fallback group for this exact provider chain,
// building one on first sight. Breaker state survives across injections as
// long as the chain is stable.
func (e *Executor) groupFor(instances []*registry.Instance) *resilience.FallbackGroup[*registry.Instance] {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	key := strings.Join(ids, ",")

	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.groups[key]; ok {
		return g
	}
	g := resilience.NewFallbackGroup(instances[0], instances[0].ID, resilience.FallbackConfig{
		CircuitBreaker: e.breakerCfg,
	})
	for _, inst := range instances[1:] {
		g.AddFallback(inst.ID, inst)
	}
	e.groups[key] = g
	return g
}

// attempt runs the full query stream against one instance, including the
// single stale-resume retry.
func (e *Executor) attempt(st *streamState, inst *registry.Instance) (*streamOutcome, error) {
	model := st.model
	if model == "" {
		model = inst.DefaultModel
	}

	var toolDefs []types.ToolDefinition
	if e.tools != nil {
		toolDefs = e.filteredTools(st.sc.Source)
	}

	retried := false
	for {
		convID := e.store.SessionID(st.session)
		resuming := convID != ""

		req := chat.QueryRequest{
			ConversationID: convID,
			System:         st.system,
			Prompt:         st.prompt,
			Model:          model,
			Images:         st.images,
			Tools:          toolDefs,
		}

		out, err := e.consume(st, inst, req)
		if err == nil {
			return out, nil
		}
		if chat.IsStale(err) && resuming && !retried {
			slog.Info("inject: stale conversation, retrying fresh",
				"session", st.session, "provider", inst.ID)
			if derr := e.store.DeleteSessionID(st.session); derr != nil {
				slog.Warn("inject: clear stale conversation id", "session", st.session, "err", derr)
			}
			retried = true
			continue
		}
		return nil, err
	}
}

// consume opens the query stream and drains it under the idle-timeout guard.
func (e *Executor) consume(st *streamState, inst *registry.Instance, req chat.QueryRequest) (*streamOutcome, error) {
	// Cancelling qctx is the best-effort "close the iterator" on early exits.
	qctx, qcancel := context.WithCancel(st.ctx)
	defer qcancel()

	ch, err := inst.Provider.Query(qctx, req)
	if err != nil {
		// Connection-phase failure: the fallback walk may continue (stale is
		// handled by the caller before the group sees it).
		return nil, err
	}

	var (
		parts    []string
		produced bool
	)

	forward := func(ev types.StreamEvent) {
		ev.Session = st.session
		e.publish(st.session, "session:stream", ev)
		e.onStream(st, ev)
	}

	timer := time.NewTimer(e.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return nil, resilience.Permanent(st.ctx.Err())

		case <-timer.C:
			slog.Warn("inject: provider idle timeout", "session", st.session, "provider", inst.ID)
			return nil, resilience.Permanent(fmt.Errorf("%w after %s", ErrIdleTimeout, e.idleTimeout))

		case ev, ok := <-ch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.idleTimeout)

			if !ok {
				// Stream ended without a terminal result. Treat collected
				// output as the response; an empty stream is a provider fault.
				if !produced {
					return nil, fmt.Errorf("inject: provider %q closed stream without result", inst.ID)
				}
				return &streamOutcome{response: strings.Join(parts, ""), providerID: inst.ID}, nil
			}

			switch ev.Type {
			case chat.EventInit:
				if err := e.store.SaveSessionID(st.session, ev.ConversationID); err != nil {
					slog.Warn("inject: save conversation id", "session", st.session, "err", err)
				}
				forward(types.StreamEvent{Kind: types.StreamSystem, Text: ev.ConversationID})

			case chat.EventText:
				produced = true
				forward(types.StreamEvent{Kind: types.StreamText, Text: ev.Text})

			case chat.EventAssistant:
				produced = true
				parts = append(parts, ev.Text)
				e.publish(st.session, "session:response_chunk", ev.Text)

			case chat.EventToolUse:
				if ev.ToolUse != nil {
					forward(types.StreamEvent{Kind: types.StreamToolUse, ToolName: ev.ToolUse.Name})
					if e.tools != nil {
						e.tools.Dispatch(st.ctx, st.session, st.sc.Source, *ev.ToolUse)
					}
				}

			case chat.EventResult:
				if ev.Result == nil || ev.Result.Subtype == chat.ResultSuccess {
					forward(types.StreamEvent{Kind: types.StreamComplete})
					return &streamOutcome{response: strings.Join(parts, ""), providerID: inst.ID}, nil
				}
				detail := ev.Result.Err
				if len(ev.Result.PermissionDenials) > 0 {
					detail += " (denied: " + strings.Join(ev.Result.PermissionDenials, ", ") + ")"
				}
				forward(types.StreamEvent{Kind: types.StreamError, Detail: strings.TrimSpace(ev.Result.Subtype + " " + detail)})

				err := fmt.Errorf("inject: provider %q: %s: %s", inst.ID, ev.Result.Subtype, detail)
				if ev.Result.Stale {
					err = fmt.Errorf("%w: %w", chat.ErrStaleConversation, err)
				} else if produced {
					err = resilience.Permanent(err)
				}
				return nil, err
			}
		}
	}
}

// filteredTools returns the tool definitions the policy lets this source see.
func (e *Executor) filteredTools(source types.InjectionSource) []types.ToolDefinition {
	defs := e.tools.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	allowed := e.security.FilterToolsByPolicy(source, names)
	ok := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		ok[n] = true
	}
	out := defs[:0:0]
	for _, d := range defs {
		if ok[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// onStream forwards an event to the caller's observer, if any.
func (e *Executor) onStream(st *streamState, ev types.StreamEvent) {
	if st.onEvent != nil {
		st.onEvent(ev)
	}
}
