// Command wopr is the CLI client for the WOPR daemon. It talks to the HTTP
// API of a running woprd and tails live events over WebSocket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wopr-network/wopr/internal/config"
	"github.com/wopr-network/wopr/internal/hub"
)

// EnvAddr overrides the daemon address (default http://{DefaultListenAddr}).
const EnvAddr = "WOPR_ADDR"

// EnvToken carries the API bearer token.
const EnvToken = "WOPR_API_TOKEN"

// suggestThreshold is the minimum JaroWinkler similarity for a "did you
// mean" hint.
const suggestThreshold = 0.72

var commands = []string{
	"ping", "session", "inject", "log", "provider", "cron",
	"middleware", "context", "capability", "security", "watch",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	c := &client{
		base:  strings.TrimRight(envOr(EnvAddr, "http://"+config.DefaultListenAddr), "/"),
		token: os.Getenv(EnvToken),
		hc:    &http.Client{Timeout: 5 * time.Minute},
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "ping":
		err = c.ping()
	case "session":
		err = c.session(rest)
	case "inject":
		err = c.inject(rest)
	case "log":
		err = c.logMessage(rest)
	case "provider":
		err = c.provider(rest)
	case "cron":
		err = c.cron(rest)
	case "middleware":
		err = c.toggle("/api/middleware", rest)
	case "context":
		err = c.toggle("/api/context", rest)
	case "capability":
		err = c.capability(rest)
	case "security":
		err = c.security(rest)
	case "watch":
		err = c.watch(rest)
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "wopr: unknown command %q", cmd)
		if s := suggest(cmd); s != "" {
			fmt.Fprintf(os.Stderr, " — did you mean %q?", s)
		}
		fmt.Fprintln(os.Stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wopr: %v\n", err)
		return 1
	}
	return 0
}

// suggest returns the closest known command, or "" when nothing is close.
func suggest(input string) string {
	best, bestScore := "", 0.0
	for _, cmd := range commands {
		if score := matchr.JaroWinkler(input, cmd, false); score > bestScore {
			best, bestScore = cmd, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: wopr <command> [args]

commands:
  ping                                     check daemon liveness
  session list                             list sessions
  session create <name> [context]          create a session
  session show <name>                      show a session
  session destroy <name>                   destroy a session
  session history <name> [limit]           show conversation history
  inject <session> <message...>            send a message, print the response
  log <session> <message...>               append without querying the model
  provider list                            list providers
  provider set <session> <id> [model]      pin a session's provider
  provider health                          probe all providers
  cron list                                list triggers
  cron add <name> <expr> <session> <msg…>  add a recurring trigger
  cron rm <name>                           remove a trigger
  middleware list|enable|disable           manage middleware
  context list|enable|disable              manage context providers
  capability list                          list bundles
  capability add <name> <caps...>          define a bundle
  capability activate|deactivate <name>    toggle a bundle
  security show                            print the security config
  security enforcement <mode>              set enforcement (enforce|warn|off)
  watch [topics...]                        tail live events over WebSocket

environment:
  WOPR_ADDR       daemon address (default http://`+config.DefaultListenAddr+`)
  WOPR_API_TOKEN  bearer token when the daemon has auth enabled
`)
}

// ── HTTP client ───────────────────────────────────────────────────────────────

type client struct {
	base  string
	token string
	hc    *http.Client
}

// do issues one request and decodes the JSON response. API errors surface as
// the server's error string.
func (c *client) do(method, path string, body any) (map[string]any, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is woprd running at %s? %w", c.base, err)
	}
	defer res.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if res.StatusCode >= 400 {
		if msg, ok := out["error"].(string); ok {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, res.StatusCode)
	}
	return out, nil
}

// show pretty-prints a response map.
func show(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ── Commands ──────────────────────────────────────────────────────────────────

func (c *client) ping() error {
	req, err := http.NewRequest(http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("is woprd running at %s? %w", c.base, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: HTTP %d", res.StatusCode)
	}
	fmt.Println("ok")
	return nil
}

func (c *client) session(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wopr session list|create|show|destroy|history")
	}
	switch args[0] {
	case "list":
		out, err := c.do(http.MethodGet, "/api/sessions", nil)
		if err != nil {
			return err
		}
		return show(out)
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: wopr session create <name> [context]")
		}
		body := map[string]any{"name": args[1]}
		if len(args) > 2 {
			body["context"] = strings.Join(args[2:], " ")
		}
		out, err := c.do(http.MethodPost, "/api/sessions", body)
		if err != nil {
			return err
		}
		return show(out)
	case "show":
		if len(args) != 2 {
			return fmt.Errorf("usage: wopr session show <name>")
		}
		out, err := c.do(http.MethodGet, "/api/sessions/"+url.PathEscape(args[1]), nil)
		if err != nil {
			return err
		}
		return show(out)
	case "destroy":
		if len(args) != 2 {
			return fmt.Errorf("usage: wopr session destroy <name>")
		}
		out, err := c.do(http.MethodDelete, "/api/sessions/"+url.PathEscape(args[1]), nil)
		if err != nil {
			return err
		}
		return show(out)
	case "history":
		if len(args) < 2 {
			return fmt.Errorf("usage: wopr session history <name> [limit]")
		}
		path := "/api/sessions/" + url.PathEscape(args[1]) + "/history"
		if len(args) > 2 {
			if _, err := strconv.Atoi(args[2]); err != nil {
				return fmt.Errorf("limit must be an integer")
			}
			path += "?limit=" + args[2]
		}
		out, err := c.do(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return show(out)
	default:
		return fmt.Errorf("unknown session subcommand %q", args[0])
	}
}

func (c *client) inject(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wopr inject <session> <message...>")
	}
	out, err := c.do(http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/inject", map[string]any{
		"message": strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	if response, ok := out["response"].(string); ok {
		fmt.Println(response)
		return nil
	}
	return show(out)
}

func (c *client) logMessage(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wopr log <session> <message...>")
	}
	_, err := c.do(http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/log", map[string]any{
		"message": strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Println("logged")
	return nil
}

func (c *client) provider(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wopr provider list|set|health")
	}
	switch args[0] {
	case "list":
		out, err := c.do(http.MethodGet, "/api/providers", nil)
		if err != nil {
			return err
		}
		return show(out)
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: wopr provider set <session> <id> [model]")
		}
		provider := map[string]any{"name": args[2]}
		if len(args) > 3 {
			provider["model"] = args[3]
		}
		out, err := c.do(http.MethodPost, "/api/sessions", map[string]any{
			"name":     args[1],
			"provider": provider,
		})
		if err != nil {
			return err
		}
		return show(out)
	case "health":
		out, err := c.do(http.MethodPost, "/api/providers/health-check", nil)
		if err != nil {
			return err
		}
		return show(out)
	default:
		return fmt.Errorf("unknown provider subcommand %q", args[0])
	}
}

func (c *client) cron(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wopr cron list|add|rm")
	}
	switch args[0] {
	case "list":
		out, err := c.do(http.MethodGet, "/api/crons", nil)
		if err != nil {
			return err
		}
		return show(out)
	case "add":
		if len(args) < 5 {
			return fmt.Errorf("usage: wopr cron add <name> <expr> <session> <message...>")
		}
		out, err := c.do(http.MethodPost, "/api/crons", map[string]any{
			"name":    args[1],
			"expr":    args[2],
			"session": args[3],
			"message": strings.Join(args[4:], " "),
		})
		if err != nil {
			return err
		}
		return show(out)
	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: wopr cron rm <name>")
		}
		out, err := c.do(http.MethodDelete, "/api/crons/"+url.PathEscape(args[1]), nil)
		if err != nil {
			return err
		}
		return show(out)
	default:
		return fmt.Errorf("unknown cron subcommand %q", args[0])
	}
}

// toggle serves both the middleware and context command families.
func (c *client) toggle(path string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wopr %s list|enable|disable|priority", strings.TrimPrefix(path, "/api/"))
	}
	switch args[0] {
	case "list":
		out, err := c.do(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return show(out)
	case "enable", "disable":
		if len(args) != 2 {
			return fmt.Errorf("usage: wopr %s %s <name>", strings.TrimPrefix(path, "/api/"), args[0])
		}
		out, err := c.do(http.MethodPost, path, map[string]any{
			"name":    args[1],
			"enabled": args[0] == "enable",
		})
		if err != nil {
			return err
		}
		return show(out)
	case "priority":
		if len(args) != 3 {
			return fmt.Errorf("usage: wopr %s priority <name> <n>", strings.TrimPrefix(path, "/api/"))
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("priority must be an integer")
		}
		out, err := c.do(http.MethodPost, path, map[string]any{
			"name":     args[1],
			"priority": n,
		})
		if err != nil {
			return err
		}
		return show(out)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func (c *client) capability(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wopr capability list|add|activate|deactivate")
	}
	switch args[0] {
	case "list":
		out, err := c.do(http.MethodGet, "/api/capabilities", nil)
		if err != nil {
			return err
		}
		return show(out)
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: wopr capability add <name> <capabilities...>")
		}
		out, err := c.do(http.MethodPost, "/api/capabilities", map[string]any{
			"name":         args[1],
			"capabilities": args[2:],
		})
		if err != nil {
			return err
		}
		return show(out)
	case "activate", "deactivate":
		if len(args) != 2 {
			return fmt.Errorf("usage: wopr capability %s <name>", args[0])
		}
		out, err := c.do(http.MethodPost, "/api/capabilities/"+args[0], map[string]any{
			"name": args[1],
		})
		if err != nil {
			return err
		}
		return show(out)
	default:
		return fmt.Errorf("unknown capability subcommand %q", args[0])
	}
}

func (c *client) security(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: wopr security show|enforcement")
	}
	switch args[0] {
	case "show":
		out, err := c.do(http.MethodGet, "/api/security", nil)
		if err != nil {
			return err
		}
		return show(out)
	case "enforcement":
		if len(args) != 2 {
			return fmt.Errorf("usage: wopr security enforcement <enforce|warn|off>")
		}
		out, err := c.do(http.MethodGet, "/api/security", nil)
		if err != nil {
			return err
		}
		cfg, ok := out["config"].(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected security config shape")
		}
		cfg["enforcement"] = args[1]
		if _, err := c.do(http.MethodPost, "/api/security", cfg); err != nil {
			return err
		}
		fmt.Println("enforcement set to", args[1])
		return nil
	default:
		return fmt.Errorf("unknown security subcommand %q", args[0])
	}
}

// ── Watch ─────────────────────────────────────────────────────────────────────

// watch tails live events. Auth uses a one-shot ticket when the daemon has a
// token configured, so the bearer token never travels in the WS handshake.
func (c *client) watch(topics []string) error {
	if len(topics) == 0 {
		topics = []string{"instance:*"}
	}

	authToken := ""
	if c.token != "" {
		out, err := c.do(http.MethodPost, "/api/ws/ticket", nil)
		if err != nil {
			return fmt.Errorf("issue ticket: %w", err)
		}
		ticket, ok := out["ticket"].(string)
		if !ok || ticket == "" {
			return fmt.Errorf("daemon returned no ticket")
		}
		authToken = ticket
	}

	wsURL, err := toWebSocketURL(c.base)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]any{"type": hub.MsgAuth, "token": authToken}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"type": hub.MsgSubscribe, "topics": topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fmt.Fprintf(os.Stderr, "watching %s — Ctrl+C to stop\n", strings.Join(topics, ", "))
	for {
		var msg hub.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case hub.MsgEvent:
			data, _ := json.Marshal(msg.Data)
			fmt.Printf("%s %s %s\n", time.Now().Format("15:04:05"), msg.Topic, data)
		case hub.MsgError:
			fmt.Fprintf(os.Stderr, "error: %s (%s)\n", msg.Message, msg.Code)
		case hub.MsgPing:
			_ = wsjson.Write(ctx, conn, map[string]any{"type": hub.MsgPong})
		}
	}
}

// toWebSocketURL converts the HTTP base address into the /ws endpoint.
func toWebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
