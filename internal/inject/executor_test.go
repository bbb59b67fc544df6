package inject

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wopr-network/wopr/internal/assembly"
	"github.com/wopr-network/wopr/internal/middleware"
	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/provider/chat"
	"github.com/wopr-network/wopr/pkg/provider/chat/mock"
	"github.com/wopr-network/wopr/pkg/types"
)

// harness bundles the subsystems one executor test needs.
type harness struct {
	store    *store.Store
	assembly *assembly.Registry
	chain    *middleware.Chain
	security *security.Engine
	registry *registry.Registry
	exec     *Executor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	t.Setenv(security.EnvEnforcement, "")

	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:    st,
		assembly: assembly.NewRegistry(),
		chain:    middleware.NewChain(),
		security: security.NewEngine(filepath.Join(dir, "security.json")),
		registry: registry.New(nil, registry.NewCredentialStore(dir)),
	}
	h.exec = New(h.store, h.assembly, h.chain, h.security, h.registry, opts...)
	return h
}

func (h *harness) addProvider(id string, p chat.Provider, available bool) {
	h.registry.Register(&registry.Instance{
		Descriptor: registry.Descriptor{ID: id, Name: id, DefaultModel: "test-model", Available: available},
		Provider:   p,
	})
}

func entriesByType(t *testing.T, h *harness, session string) map[types.EntryType][]types.ConversationEntry {
	t.Helper()
	entries, err := h.store.Log().Read(session, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := map[types.EntryType][]types.ConversationEntry{}
	for _, e := range entries {
		out[e.Type] = append(out[e.Type], e)
	}
	return out
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)
	if err := h.store.SetProvider("s", types.ProviderConfig{Name: "mock"}); err != nil {
		t.Fatal(err)
	}

	res, err := h.exec.Execute(context.Background(), "s", "hello", types.InjectOptions{From: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "alice: hello" {
		t.Errorf("Response = %q, want the speaker-prefixed echo", res.Response)
	}
	if res.SessionID == "" {
		t.Error("SessionID empty after first injection")
	}
	if got := h.store.SessionID("s"); got != res.SessionID {
		t.Errorf("stored id = %q, result id = %q", got, res.SessionID)
	}

	byType := entriesByType(t, h, "s")
	if len(byType[types.EntryMessage]) != 1 || byType[types.EntryMessage][0].From != "alice" {
		t.Errorf("message entries = %+v", byType[types.EntryMessage])
	}
	if len(byType[types.EntryResponse]) != 1 || byType[types.EntryResponse][0].From != "mock" {
		t.Errorf("response entries = %+v", byType[types.EntryResponse])
	}
	if h.store.LastTrigger("s") == 0 {
		t.Error("last-trigger watermark not updated")
	}
	if h.exec.Contexts().Count() != 0 {
		t.Error("security context leaked")
	}
}

func TestCLISpeakerNotPrefixed(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)

	res, err := h.exec.Execute(context.Background(), "s", "hello", types.InjectOptions{From: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "hello" {
		t.Errorf("Response = %q, want no prefix for cli speaker", res.Response)
	}
}

func TestContextAssemblyFeedsPrompt(t *testing.T) {
	h := newHarness(t)
	h.assembly.Register("notes", assembly.ProviderFunc(func(context.Context, assembly.Request) (assembly.Result, error) {
		return assembly.Result{SystemAddition: "be terse", ContextAddition: "remember the milk"}, nil
	}), 10, true)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)

	if _, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{}); err != nil {
		t.Fatal(err)
	}

	req := p.QueryCalls[0].Req
	if req.System != "be terse" {
		t.Errorf("System = %q", req.System)
	}
	if !strings.HasPrefix(req.Prompt, "remember the milk") || !strings.HasSuffix(req.Prompt, "hi") {
		t.Errorf("Prompt = %q, want context block prepended", req.Prompt)
	}

	byType := entriesByType(t, h, "s")
	if len(byType[types.EntryContext]) != 1 {
		t.Fatalf("context entries = %+v", byType[types.EntryContext])
	}
	if got := byType[types.EntryContext][0].Content; !strings.Contains(got, "remember the milk") {
		t.Errorf("context entry = %q", got)
	}
}

func TestSlashCommandSkipsContextAndPrefix(t *testing.T) {
	h := newHarness(t)
	h.assembly.Register("notes", assembly.ProviderFunc(func(context.Context, assembly.Request) (assembly.Result, error) {
		return assembly.Result{ContextAddition: "ctx"}, nil
	}), 10, true)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)

	if _, err := h.exec.Execute(context.Background(), "s", "  /status now  ", types.InjectOptions{From: "alice"}); err != nil {
		t.Fatal(err)
	}
	if got := p.QueryCalls[0].Req.Prompt; got != "/status now" {
		t.Errorf("Prompt = %q, want the bare command on the first line", got)
	}
}

func TestMiddlewareBlockSkipsProvider(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)
	h.chain.Register("no-filter", middleware.Middleware{
		OnIncoming: func(_ context.Context, hook middleware.Hook) (middleware.Verdict, error) {
			if strings.Contains(hook.Payload, "NO") {
				return middleware.Prevent(), nil
			}
			return middleware.Pass(hook.Payload), nil
		},
	}, 10, true)

	res, err := h.exec.Execute(context.Background(), "s", "please NO", types.InjectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "" {
		t.Errorf("Response = %q, want empty", res.Response)
	}
	if len(p.QueryCalls) != 0 {
		t.Error("provider was called despite prevention")
	}

	byType := entriesByType(t, h, "s")
	var found bool
	for _, e := range byType[types.EntryContext] {
		if e.Content == BlockedMessage {
			found = true
		}
	}
	if !found {
		t.Errorf("no %q context entry; entries: %+v", BlockedMessage, byType[types.EntryContext])
	}
	if len(byType[types.EntryMessage]) != 0 {
		t.Error("prevented message was still logged")
	}
}

func TestOutgoingMiddlewareBlankResponse(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)
	h.chain.Register("mute", middleware.Middleware{
		OnOutgoing: func(context.Context, middleware.Hook) (middleware.Verdict, error) {
			return middleware.Prevent(), nil
		},
	}, 10, true)

	res, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "" {
		t.Errorf("Response = %q, want empty after outgoing prevention", res.Response)
	}
	byType := entriesByType(t, h, "s")
	if len(byType[types.EntryResponse]) != 0 {
		t.Error("prevented response was logged")
	}
}

func TestFallbackWithinInjection(t *testing.T) {
	h := newHarness(t)
	p1 := &mock.Provider{QueryErr: errors.New("connection refused")}
	p2 := &mock.Provider{Echo: true}
	h.addProvider("p1", p1, true)
	h.addProvider("p2", p2, true)
	if err := h.store.SetProvider("s", types.ProviderConfig{Name: "p1", Fallback: []string{"p2"}}); err != nil {
		t.Fatal(err)
	}

	res, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "hi" {
		t.Errorf("Response = %q, want the fallback's echo", res.Response)
	}
	if len(p1.QueryCalls) != 1 || len(p2.QueryCalls) != 1 {
		t.Errorf("calls: p1=%d p2=%d", len(p1.QueryCalls), len(p2.QueryCalls))
	}

	// Query-time fallback never touches availability flags.
	for _, d := range h.registry.List() {
		if !d.Available {
			t.Errorf("provider %s marked unavailable by fallback", d.ID)
		}
	}

	// The response entry names the provider that actually answered.
	byType := entriesByType(t, h, "s")
	if byType[types.EntryResponse][0].From != "p2" {
		t.Errorf("response From = %q, want p2", byType[types.EntryResponse][0].From)
	}
}

func TestStaleResumeRetriesOnce(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)
	if err := h.store.SaveSessionID("s", "ghost-conv"); err != nil {
		t.Fatal(err)
	}

	res, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.QueryCalls) != 2 {
		t.Fatalf("QueryCalls = %d, want stale then fresh", len(p.QueryCalls))
	}
	if p.QueryCalls[0].Req.ConversationID != "ghost-conv" {
		t.Errorf("first call resumed %q", p.QueryCalls[0].Req.ConversationID)
	}
	if p.QueryCalls[1].Req.ConversationID != "" {
		t.Errorf("retry resumed %q, want fresh conversation", p.QueryCalls[1].Req.ConversationID)
	}
	if res.SessionID == "" || res.SessionID == "ghost-conv" {
		t.Errorf("SessionID = %q, want a new id", res.SessionID)
	}
	if res.Response != "hi" {
		t.Errorf("Response = %q", res.Response)
	}
}

func TestStaleSecondOccurrencePropagates(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{QueryFunc: func(context.Context, chat.QueryRequest) (<-chan chat.Event, error) {
		return nil, chat.ErrStaleConversation
	}}
	h.addProvider("mock", p, true)
	if err := h.store.SaveSessionID("s", "ghost-conv"); err != nil {
		t.Fatal(err)
	}

	_, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{})
	if err == nil {
		t.Fatal("expected error after second stale occurrence")
	}
	if len(p.QueryCalls) != 2 {
		t.Errorf("QueryCalls = %d, want exactly one retry", len(p.QueryCalls))
	}
}

func TestIdleTimeoutPreservesConversationID(t *testing.T) {
	h := newHarness(t, WithIdleTimeout(50*time.Millisecond))
	p := &mock.Provider{
		Events:     []chat.Event{{Type: chat.EventText, Text: "late"}},
		EventDelay: 300 * time.Millisecond,
	}
	h.addProvider("mock", p, true)
	if err := h.store.SaveSessionID("s", "conv-1"); err != nil {
		t.Fatal(err)
	}

	_, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{})
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("err = %v, want ErrIdleTimeout", err)
	}
	if got := h.store.SessionID("s"); got != "conv-1" {
		t.Errorf("stored id = %q, want preserved across idle timeout", got)
	}
	if h.exec.Contexts().Count() != 0 {
		t.Error("security context leaked on timeout path")
	}
}

func TestCancellation(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true, EventDelay: 5 * time.Second}
	h.addProvider("mock", p, true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.exec.Execute(ctx, "s", "slow", types.InjectOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestAccessDeniedClearsContext(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)

	untrusted := types.TrustUntrusted
	src := &types.InjectionSource{Type: types.SourceP2P, Origin: "peer:evil", TrustOverride: &untrusted}

	_, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{Source: src})
	if !security.IsAccessDenied(err) {
		t.Fatalf("err = %v, want access denial", err)
	}
	if len(p.QueryCalls) != 0 {
		t.Error("provider called despite denial")
	}
	if h.exec.Contexts().Count() != 0 {
		t.Error("security context leaked on denial path")
	}
}

func TestAutoPickPersistsProvider(t *testing.T) {
	h := newHarness(t)
	h.addProvider("down", &mock.Provider{}, false)
	h.addProvider("up", &mock.Provider{Echo: true}, true)

	if _, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{}); err != nil {
		t.Fatal(err)
	}

	cfg, err := h.store.Provider("s")
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil || cfg.Name != "up" {
		t.Errorf("persisted config = %+v, want the first available provider", cfg)
	}
}

func TestNoProviderAvailable(t *testing.T) {
	h := newHarness(t)
	h.addProvider("down", &mock.Provider{}, false)

	_, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{})
	if !errors.Is(err, registry.ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
	if !strings.Contains(err.Error(), `"s"`) {
		t.Errorf("error %q does not name the session", err)
	}
}

func TestStreamEventsForwarded(t *testing.T) {
	h := newHarness(t)
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)

	var kinds []types.StreamKind
	_, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{
		OnStream: func(ev types.StreamEvent) { kinds = append(kinds, ev.Kind) },
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []types.StreamKind{types.StreamSystem, types.StreamText, types.StreamComplete}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

// collector is a Publisher capturing published events.
type collector struct {
	topics []string
}

func (c *collector) Publish(topic string, _ any) { c.topics = append(c.topics, topic) }

func TestSessionCreatePublished(t *testing.T) {
	pub := &collector{}
	h := newHarness(t, WithPublisher(pub))
	p := &mock.Provider{Echo: true}
	h.addProvider("mock", p, true)

	if _, err := h.exec.Execute(context.Background(), "s", "hi", types.InjectOptions{}); err != nil {
		t.Fatal(err)
	}
	var created bool
	for _, topic := range pub.topics {
		if topic == "instance:s:session" || topic == "session:s" {
			created = true
		}
	}
	if !created {
		t.Errorf("topics = %v, want session topics", pub.topics)
	}

	// Second injection resumes; no further create event, but stream events
	// still flow.
	before := len(pub.topics)
	if _, err := h.exec.Execute(context.Background(), "s", "again", types.InjectOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(pub.topics) == before {
		t.Error("no events published for the second injection")
	}
}
