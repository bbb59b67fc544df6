package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

// Publisher fans a tool event out to live observers.
type Publisher interface {
	Publish(topic string, data any)
}

// dispatchTimeout bounds one out-of-band tool execution.
const dispatchTimeout = 2 * time.Minute

// toolRecord is the JSON body of a tool-typed conversation entry.
type toolRecord struct {
	Tool   string `json:"tool"`
	CallID string `json:"callId,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Denied bool   `json:"denied,omitempty"`
}

// Dispatcher runs tool calls requested during injections: policy check,
// out-of-band execution, conversation log entry, live event.
type Dispatcher struct {
	host     *Host
	security *security.Engine
	log      *store.ConvLog
	pub      Publisher
}

// NewDispatcher wires a Dispatcher. pub may be nil when no hub is attached.
func NewDispatcher(host *Host, engine *security.Engine, st *store.Store, pub Publisher) *Dispatcher {
	return &Dispatcher{host: host, security: engine, log: st.Log(), pub: pub}
}

// Definitions exposes the host's tool catalogue for query requests.
func (d *Dispatcher) Definitions() []types.ToolDefinition {
	return d.host.Definitions()
}

// Dispatch policy-checks call for source and, when allowed, executes it in a
// goroutine so the response stream is never blocked on a slow tool. The
// outcome lands in the session's conversation log either way.
func (d *Dispatcher) Dispatch(ctx context.Context, session string, source types.InjectionSource, call types.ToolCall) {
	decision := d.security.CheckToolAccess(source, call.Name)
	if !decision.Allowed {
		slog.Warn("tools: call denied", "session", session, "tool", call.Name, "reason", decision.Reason)
		d.record(session, toolRecord{Tool: call.Name, CallID: call.ID, Error: decision.Reason, Denied: true})
		return
	}
	if decision.Warning != "" {
		slog.Warn("tools: call allowed by warn mode", "session", session, "tool", call.Name, "warning", decision.Warning)
	}

	// Detach from the injection context: the stream may finish (and cancel)
	// before a slow tool does.
	exec := context.WithoutCancel(ctx)
	go func() {
		execCtx, cancel := context.WithTimeout(exec, dispatchTimeout)
		defer cancel()

		res, err := d.host.CallTool(execCtx, call.Name, call.Arguments)
		rec := toolRecord{Tool: call.Name, CallID: call.ID}
		switch {
		case err != nil:
			rec.Error = err.Error()
		case res.IsError:
			rec.Error = res.Content
		default:
			rec.Result = res.Content
		}
		d.record(session, rec)
	}()
}

// record appends the tool entry and publishes the instance log event.
func (d *Dispatcher) record(session string, rec toolRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("tools: encode record", "session", session, "tool", rec.Tool, "err", err)
		return
	}
	entry := types.ConversationEntry{
		From:    "tool",
		Content: string(data),
		Type:    types.EntryTool,
	}
	if err := d.log.Append(session, entry); err != nil {
		slog.Error("tools: append log entry", "session", session, "tool", rec.Tool, "err", err)
	}
	if d.pub != nil {
		d.pub.Publish("instance:"+session+":logs", map[string]any{
			"type":   "tool",
			"tool":   rec.Tool,
			"denied": rec.Denied,
			"error":  rec.Error,
		})
	}
}
