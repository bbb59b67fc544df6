package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/wopr-network/wopr/pkg/types"
)

// memoryNameRe bounds note names to safe file stems.
var memoryNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// RegisterMemoryTools adds the builtin memory_store and memory_recall tools,
// backed by markdown notes under {home}/memory/. Stored notes feed the
// context assembly on later injections.
func RegisterMemoryTools(h *Host, home string) error {
	dir := filepath.Join(home, "memory")

	store := BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "memory_store",
			Description: "Persist a named markdown note into long-term memory. Overwrites an existing note of the same name.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":    map[string]any{"type": "string", "description": "Note name, e.g. 'preferences'"},
					"content": map[string]any{"type": "string", "description": "Markdown body of the note"},
				},
				"required": []string{"name", "content"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var req struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal([]byte(args), &req); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if !memoryNameRe.MatchString(req.Name) {
				return "", fmt.Errorf("invalid note name %q", req.Name)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create memory dir: %w", err)
			}
			path := filepath.Join(dir, req.Name+".md")
			if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
				return "", fmt.Errorf("write note: %w", err)
			}
			return fmt.Sprintf("stored note %q (%d bytes)", req.Name, len(req.Content)), nil
		},
	}

	recall := BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "memory_recall",
			Description: "Read a named note from long-term memory, or list all note names when no name is given.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "Note name; omit to list notes"},
				},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var req struct {
				Name string `json:"name"`
			}
			if args != "" && args != "{}" {
				if err := json.Unmarshal([]byte(args), &req); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			if req.Name == "" {
				return listNotes(dir)
			}
			if !memoryNameRe.MatchString(req.Name) {
				return "", fmt.Errorf("invalid note name %q", req.Name)
			}
			data, err := os.ReadFile(filepath.Join(dir, req.Name+".md"))
			if err != nil {
				return "", fmt.Errorf("no note named %q", req.Name)
			}
			return string(data), nil
		},
	}

	if err := h.RegisterBuiltin(store); err != nil {
		return err
	}
	return h.RegisterBuiltin(recall)
}

func listNotes(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no notes stored", nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".md"))
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
