package daemon

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/wopr-network/wopr/internal/config"
	"github.com/wopr-network/wopr/internal/hub"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvHome, "")
	t.Setenv(security.EnvEnforcement, "")
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestNewWiresSubsystems(t *testing.T) {
	cfg := testConfig(t)

	app, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Shutdown(context.Background())

	if app.Store() == nil {
		t.Error("store not wired")
	}
	if app.Registry() == nil {
		t.Error("registry not wired")
	}
	if app.Scheduler() == nil {
		t.Error("scheduler not wired")
	}

	names := app.Tools().Tools()
	for _, want := range []string{"memory_recall", "memory_store"} {
		if !slices.Contains(names, want) {
			t.Errorf("builtin %q missing from tool catalogue %v", want, names)
		}
	}
}

func TestSchedulerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Disabled = true

	app, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Shutdown(context.Background())

	if app.Scheduler() != nil {
		t.Error("scheduler wired despite being disabled")
	}
}

func TestRunManagesPIDFile(t *testing.T) {
	cfg := testConfig(t)

	app, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	pidPath := filepath.Join(cfg.Home, pidFile)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(pidPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("pid file never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Errorf("pid file still present after Run returned (stat err %v)", err)
	}
}

func wsRead(t *testing.T, conn *websocket.Conn) hub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var msg hub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func wsWrite(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func TestSessionDestroyEventPublished(t *testing.T) {
	cfg := testConfig(t)

	app, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Shutdown(context.Background())

	srv := httptest.NewServer(app.httpSrv.Handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if msg := wsRead(t, conn); msg.Type != hub.MsgConnected {
		t.Fatalf("first frame = %q, want %q", msg.Type, hub.MsgConnected)
	}
	wsWrite(t, conn, map[string]any{"type": hub.MsgAuth, "token": ""})
	if msg := wsRead(t, conn); msg.Type != hub.MsgAuthenticated {
		t.Fatalf("auth frame = %q, want %q", msg.Type, hub.MsgAuthenticated)
	}
	wsWrite(t, conn, hub.Message{Type: hub.MsgSubscribe, Topics: []string{"instance:ops:session"}})
	if msg := wsRead(t, conn); msg.Type != hub.MsgSubscribed {
		t.Fatalf("subscribe frame = %q, want %q", msg.Type, hub.MsgSubscribed)
	}

	if err := app.Store().SetContext("ops", "operations desk"); err != nil {
		t.Fatalf("SetContext: %v", err)
	}
	if err := app.Store().Log().LogMessage("ops", "standup at ten", store.LogOptions{From: "alice"}); err != nil {
		t.Fatalf("LogMessage: %v", err)
	}
	if _, err := app.Store().Delete("ops", "cleanup"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	msg := wsRead(t, conn)
	if msg.Type != hub.MsgEvent {
		t.Fatalf("event frame = %q, want %q", msg.Type, hub.MsgEvent)
	}
	if msg.Topic != "instance:ops:session" {
		t.Errorf("topic = %q, want instance:ops:session", msg.Topic)
	}
	ev, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("event data is %T, want object", msg.Data)
	}
	if ev["type"] != "session:destroy" {
		t.Errorf("event type = %v, want session:destroy", ev["type"])
	}
	if ev["session"] != "ops" {
		t.Errorf("event session = %v, want ops", ev["session"])
	}
	payload, ok := ev["data"].(map[string]any)
	if !ok {
		t.Fatalf("event payload is %T, want object", ev["data"])
	}
	if payload["reason"] != "cleanup" {
		t.Errorf("reason = %v, want cleanup", payload["reason"])
	}
	history, ok := payload["history"].([]any)
	if !ok || len(history) == 0 {
		t.Fatalf("history = %v, want the pre-destroy entries", payload["history"])
	}
	entry, _ := history[0].(map[string]any)
	if entry["content"] != "standup at ten" {
		t.Errorf("history[0].content = %v, want the logged message", entry["content"])
	}
}

func TestShutdownHonoursDeadline(t *testing.T) {
	cfg := testConfig(t)

	app, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	app.closers = append(app.closers, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := app.Shutdown(ctx); err == nil {
		t.Error("Shutdown ignored an expired context")
	}
}
