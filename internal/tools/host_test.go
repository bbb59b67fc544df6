package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wopr-network/wopr/pkg/types"
)

func TestRegisterBuiltinValidation(t *testing.T) {
	h := NewHost()

	err := h.RegisterBuiltin(BuiltinTool{
		Handler: func(context.Context, string) (string, error) { return "", nil },
	})
	if err == nil {
		t.Error("nameless builtin accepted")
	}

	err = h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "noop"},
	})
	if err == nil {
		t.Error("handler-less builtin accepted")
	}
}

func TestBuiltinCallAndCatalogue(t *testing.T) {
	h := NewHost()
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "echo", Description: "echoes args"},
		Handler: func(_ context.Context, args string) (string, error) {
			return "got " + args, nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "always_fails"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("boom")
		},
	}); err != nil {
		t.Fatal(err)
	}

	if got := h.Tools(); len(got) != 2 || got[0] != "always_fails" || got[1] != "echo" {
		t.Errorf("Tools() = %v, want sorted pair", got)
	}
	defs := h.Definitions()
	if len(defs) != 2 || defs[1].Name != "echo" || defs[1].Description != "echoes args" {
		t.Errorf("Definitions() = %+v", defs)
	}

	res, err := h.CallTool(context.Background(), "echo", `{"a":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != `got {"a":1}` {
		t.Errorf("result = %+v", res)
	}

	// Handler errors surface as tool-level errors, not Go errors.
	res, err = h.CallTool(context.Background(), "always_fails", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Content != "boom" {
		t.Errorf("result = %+v, want IsError with message", res)
	}

	if _, err := h.CallTool(context.Background(), "missing", "{}"); err == nil {
		t.Error("unknown tool did not error")
	}
}

func TestBuiltinReplacedByName(t *testing.T) {
	h := NewHost()
	reg := func(reply string) {
		t.Helper()
		err := h.RegisterBuiltin(BuiltinTool{
			Definition: types.ToolDefinition{Name: "greet"},
			Handler:    func(context.Context, string) (string, error) { return reply, nil },
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	reg("v1")
	reg("v2")

	if got := h.Tools(); len(got) != 1 {
		t.Fatalf("Tools() = %v, want single entry", got)
	}
	res, err := h.CallTool(context.Background(), "greet", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "v2" {
		t.Errorf("content = %q, want replacement to win", res.Content)
	}
}

func TestRegisterServerRejectsBadConfig(t *testing.T) {
	h := NewHost()
	ctx := context.Background()

	if err := h.RegisterServer(ctx, ServerConfig{Transport: TransportStdio, Command: "x"}); err == nil {
		t.Error("empty name accepted")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "s", Transport: "carrier-pigeon"}); err == nil {
		t.Error("unknown transport accepted")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "s", Transport: TransportStdio}); err == nil {
		t.Error("stdio without command accepted")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "s", Transport: TransportHTTP}); err == nil {
		t.Error("http without URL accepted")
	}
}

func TestSplitCommand(t *testing.T) {
	exe, args := splitCommand("/bin/foo --bar baz")
	if exe != "/bin/foo" || len(args) != 2 || args[0] != "--bar" {
		t.Errorf("splitCommand = %q %v", exe, args)
	}
	if exe, args := splitCommand("  "); exe != "" || args != nil {
		t.Errorf("blank command = %q %v", exe, args)
	}
}

func TestMemoryTools(t *testing.T) {
	home := t.TempDir()
	h := NewHost()
	if err := RegisterMemoryTools(h, home); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := h.CallTool(ctx, "memory_store", `{"name":"prefs","content":"likes jazz"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("store failed: %s", res.Content)
	}
	data, err := os.ReadFile(filepath.Join(home, "memory", "prefs.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "likes jazz" {
		t.Errorf("note body = %q", data)
	}

	res, err = h.CallTool(ctx, "memory_recall", `{"name":"prefs"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "likes jazz" {
		t.Errorf("recall = %+v", res)
	}

	// No name lists the stored notes.
	if _, err := h.CallTool(ctx, "memory_store", `{"name":"other","content":"x"}`); err != nil {
		t.Fatal(err)
	}
	res, err = h.CallTool(ctx, "memory_recall", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "other\nprefs" {
		t.Errorf("listing = %q", res.Content)
	}

	// Path traversal in the note name is rejected.
	res, err = h.CallTool(ctx, "memory_store", `{"name":"../evil","content":"x"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "invalid note name") {
		t.Errorf("traversal result = %+v", res)
	}
	res, err = h.CallTool(ctx, "memory_recall", `{"name":"ghost"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing note did not report an error")
	}
}
