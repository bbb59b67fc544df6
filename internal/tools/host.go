// Package tools manages the daemon's tool surface: external MCP servers,
// in-process builtin tools, and the dispatcher that runs tool calls on
// behalf of sessions under the security policy.
//
// External servers speak the Model Context Protocol through the official Go
// SDK (github.com/modelcontextprotocol/go-sdk) over stdio or streamable-HTTP
// transports.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wopr-network/wopr/pkg/types"
)

// Transport values accepted by [ServerConfig].
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	// Name identifies the server within the host. Must be unique.
	Name string

	// Transport is "stdio" (spawn Command as a subprocess) or "http"
	// (streamable-HTTP endpoint at URL).
	Transport string

	// Command is the executable plus space-separated arguments for stdio.
	Command string

	// URL is the endpoint for http transport.
	URL string

	// Env holds extra environment variables for the stdio subprocess.
	Env map[string]string
}

// Result is the outcome of one tool execution. IsError marks an
// application-level failure reported by the tool itself; transport and
// protocol failures surface as Go errors instead.
type Result struct {
	Content string
	IsError bool
}

// BuiltinTool is a tool implemented as an in-process Go function. Builtins
// skip the MCP round-trip but are dispatched and policy-checked exactly like
// external tools.
type BuiltinTool struct {
	Definition types.ToolDefinition

	// Handler receives the JSON-encoded arguments object ("{}" when the
	// tool takes none). A non-nil error becomes an IsError result.
	Handler func(ctx context.Context, args string) (string, error)
}

// toolEntry is one registered tool. builtinFn is non-nil for in-process
// tools; serverName routes external ones.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
	builtinFn  func(ctx context.Context, args string) (string, error)
}

// builtinServerName is the pseudo server owning in-process tools.
const builtinServerName = "__builtin__"

// Host owns the tool registry and the live MCP server sessions.
// All methods are safe for concurrent use. Create with [NewHost].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is shared across server connections; the SDK client manages
	// multiple sessions concurrently.
	client *mcpsdk.Client
}

// NewHost creates an empty Host.
func NewHost() *Host {
	return &Host{
		tools:   map[string]toolEntry{},
		servers: map[string]*mcpsdk.ClientSession{},
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "wopr", Version: "1.0.0"},
			nil,
		),
	}
}

// RegisterServer connects to the server described by cfg and imports its
// tool catalogue. Re-registering a name closes the old connection and drops
// its tools first.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// RegisterBuiltin registers an in-process tool, replacing any tool of the
// same name.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}

// Tools returns the registered tool names, sorted.
func (h *Host) Tools() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.tools))
	for name := range h.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every registered tool's definition, sorted by name.
func (h *Host) Definitions() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CallTool runs the named tool with a JSON-encoded arguments object. An
// empty or "{}" args string is valid for parameter-less tools.
func (h *Host) CallTool(ctx context.Context, name, args string) (*Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: tool %q not found", name)
	}

	if entry.builtinFn != nil {
		output, err := entry.builtinFn(ctx, args)
		if err != nil {
			return &Result{Content: err.Error(), IsError: true}, nil
		}
		return &Result{Content: output}, nil
	}
	return h.callMCP(ctx, entry, args)
}

// callMCP routes the call to the owning server session and concatenates the
// text content of the reply.
func (h *Host) callMCP(ctx context.Context, entry toolEntry, args string) (*Result, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("tools: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("tools: call to tool %q failed: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: res.IsError}, nil
}

// Close shuts down every server session and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = map[string]toolEntry{}
	return firstErr
}

// schemaToMap normalises an SDK input schema into a plain JSON-schema map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
