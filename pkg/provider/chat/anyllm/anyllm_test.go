package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/wopr-network/wopr/pkg/types"
)

// ── Tool-call fragment accumulation ───────────────────────────────────────────

// TestMergeToolFragments_InterleavedCalls checks that fragments of two calls
// merge by their declared index even when the slice layout differs per chunk.
func TestMergeToolFragments_InterleavedCalls(t *testing.T) {
	accum := map[int]*types.ToolCall{}

	// First chunk opens both calls.
	mergeToolFragments(accum, []anyllmlib.ToolCall{
		{Index: 0, ID: "call_a", Function: anyllmlib.FunctionCall{Name: "get_weather"}},
		{Index: 1, ID: "call_b", Function: anyllmlib.FunctionCall{Name: "get_time"}},
	})
	// Second chunk continues only the second call, at slice position 0.
	mergeToolFragments(accum, []anyllmlib.ToolCall{
		{Index: 1, Function: anyllmlib.FunctionCall{Arguments: `{"tz":`}},
	})
	// Third chunk finishes both.
	mergeToolFragments(accum, []anyllmlib.ToolCall{
		{Index: 0, Function: anyllmlib.FunctionCall{Arguments: `{"city":"Berlin"}`}},
		{Index: 1, Function: anyllmlib.FunctionCall{Arguments: `"UTC"}`}},
	})

	if len(accum) != 2 {
		t.Fatalf("expected 2 accumulated calls, got %d", len(accum))
	}
	a := accum[0]
	if a.ID != "call_a" || a.Name != "get_weather" {
		t.Errorf("call 0 = %q/%q, want call_a/get_weather", a.ID, a.Name)
	}
	if a.Arguments != `{"city":"Berlin"}` {
		t.Errorf("call 0 arguments = %q", a.Arguments)
	}
	b := accum[1]
	if b.ID != "call_b" || b.Name != "get_time" {
		t.Errorf("call 1 = %q/%q, want call_b/get_time", b.ID, b.Name)
	}
	if b.Arguments != `{"tz":"UTC"}` {
		t.Errorf("call 1 arguments = %q", b.Arguments)
	}
}

// TestMergeToolFragments_KeepsFirstIdentity checks that later fragments never
// clobber the id or name set by the opening fragment.
func TestMergeToolFragments_KeepsFirstIdentity(t *testing.T) {
	accum := map[int]*types.ToolCall{}
	mergeToolFragments(accum, []anyllmlib.ToolCall{
		{Index: 0, ID: "call_x", Function: anyllmlib.FunctionCall{Name: "recall"}},
	})
	mergeToolFragments(accum, []anyllmlib.ToolCall{
		{Index: 0, Function: anyllmlib.FunctionCall{Arguments: `{}`}},
	})

	tc := accum[0]
	if tc.ID != "call_x" || tc.Name != "recall" {
		t.Errorf("identity = %q/%q, want call_x/recall", tc.ID, tc.Name)
	}
	if tc.Arguments != `{}` {
		t.Errorf("arguments = %q, want {}", tc.Arguments)
	}
}

// TestOrderedToolCalls checks ascending-index emit order for sparse indices.
func TestOrderedToolCalls(t *testing.T) {
	accum := map[int]*types.ToolCall{
		2: {ID: "call_c"},
		0: {ID: "call_a"},
		1: {ID: "call_b"},
	}
	got := orderedToolCalls(accum)
	want := []string{"call_a", "call_b", "call_c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, got[i].ID, id)
		}
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty backend name")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

// ── promptWithImages ──────────────────────────────────────────────────────────

func TestPromptWithImages(t *testing.T) {
	got := promptWithImages("describe this", []types.ImageRef{{URL: "https://example.com/a.png"}})
	want := "describe this\n[image: https://example.com/a.png]"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestPromptWithImages_NoImages(t *testing.T) {
	if got := promptWithImages("plain", nil); got != "plain" {
		t.Errorf("prompt = %q, want unchanged", got)
	}
}
