package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

type published struct {
	topic string
	data  any
}

type collector struct {
	mu     sync.Mutex
	events []published
}

func (c *collector) Publish(topic string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, published{topic, data})
}

func (c *collector) snapshot() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.events...)
}

func newDispatcherHarness(t *testing.T) (*Dispatcher, *Host, *store.Store, *collector) {
	t.Helper()
	t.Setenv(security.EnvEnforcement, "")

	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHost()
	engine := security.NewEngine(filepath.Join(dir, "security.json"))
	pub := &collector{}
	return NewDispatcher(h, engine, st, pub), h, st, pub
}

// waitToolEntry polls the conversation log until a tool entry appears.
func waitToolEntry(t *testing.T, st *store.Store, session string) toolRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := st.Log().Read(session, 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.Type != types.EntryTool {
				continue
			}
			var rec toolRecord
			if err := json.Unmarshal([]byte(e.Content), &rec); err != nil {
				t.Fatalf("tool entry %q: %v", e.Content, err)
			}
			if e.From != "tool" {
				t.Errorf("tool entry From = %q", e.From)
			}
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatal("no tool entry within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ownerSource() types.InjectionSource {
	return types.InjectionSource{Type: types.SourceCLI, Origin: "cli"}
}

func TestDispatchExecutesAndLogs(t *testing.T) {
	d, h, st, pub := newDispatcherHarness(t)
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "echo"},
		Handler: func(_ context.Context, args string) (string, error) {
			return "ran " + args, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	call := types.ToolCall{ID: "c1", Name: "echo", Arguments: `{"k":"v"}`}
	d.Dispatch(context.Background(), "main", ownerSource(), call)

	rec := waitToolEntry(t, st, "main")
	if rec.Tool != "echo" || rec.CallID != "c1" || rec.Result != `ran {"k":"v"}` || rec.Error != "" {
		t.Errorf("record = %+v", rec)
	}

	events := pub.snapshot()
	if len(events) != 1 || events[0].topic != "instance:main:logs" {
		t.Errorf("published = %+v, want one instance log event", events)
	}
}

func TestDispatchDeniedByPolicy(t *testing.T) {
	d, h, st, _ := newDispatcherHarness(t)
	ran := make(chan struct{}, 1)
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "web_fetch"},
		Handler: func(context.Context, string) (string, error) {
			ran <- struct{}{}
			return "", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	// API-sourced callers carry a wholesale tool deny in the default policy.
	source := types.InjectionSource{Type: types.SourceAPI, Origin: "api-client"}
	d.Dispatch(context.Background(), "main", source, types.ToolCall{ID: "c1", Name: "web_fetch"})

	rec := waitToolEntry(t, st, "main")
	if !rec.Denied || rec.Error == "" {
		t.Errorf("record = %+v, want denial with reason", rec)
	}
	select {
	case <-ran:
		t.Error("denied tool was executed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchToolErrorRecorded(t *testing.T) {
	d, h, st, _ := newDispatcherHarness(t)
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "flaky"},
		Handler: func(context.Context, string) (string, error) {
			return "", context.DeadlineExceeded
		},
	}); err != nil {
		t.Fatal(err)
	}

	d.Dispatch(context.Background(), "main", ownerSource(), types.ToolCall{Name: "flaky"})

	rec := waitToolEntry(t, st, "main")
	if rec.Denied || rec.Error == "" || rec.Result != "" {
		t.Errorf("record = %+v, want error outcome", rec)
	}
}

func TestDispatchUnknownToolRecorded(t *testing.T) {
	d, _, st, _ := newDispatcherHarness(t)

	d.Dispatch(context.Background(), "main", ownerSource(), types.ToolCall{Name: "dice_roll"})

	rec := waitToolEntry(t, st, "main")
	if rec.Error == "" {
		t.Errorf("record = %+v, want not-found error", rec)
	}
}

func TestDispatchSurvivesCancelledInjection(t *testing.T) {
	d, h, st, _ := newDispatcherHarness(t)
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "slowish"},
		Handler: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-time.After(100 * time.Millisecond):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}); err != nil {
		t.Fatal(err)
	}

	// Cancel the injection context immediately; the tool still completes.
	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, "main", ownerSource(), types.ToolCall{Name: "slowish"})
	cancel()

	rec := waitToolEntry(t, st, "main")
	if rec.Result != "done" {
		t.Errorf("record = %+v, want completion despite cancelled parent", rec)
	}
}
