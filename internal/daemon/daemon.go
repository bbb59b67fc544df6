// Package daemon wires all WOPR subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the serving loops, and Shutdown tears everything
// down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithRegistry, ...). When an option is not provided, New creates real
// implementations from the config.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wopr-network/wopr/internal/assembly"
	"github.com/wopr-network/wopr/internal/canvas"
	"github.com/wopr-network/wopr/internal/config"
	"github.com/wopr-network/wopr/internal/health"
	"github.com/wopr-network/wopr/internal/hub"
	"github.com/wopr-network/wopr/internal/inject"
	"github.com/wopr-network/wopr/internal/middleware"
	"github.com/wopr-network/wopr/internal/observe"
	"github.com/wopr-network/wopr/internal/platform/discord"
	"github.com/wopr-network/wopr/internal/queue"
	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/scheduler"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/server"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/internal/tools"
)

// pidFile is written under the daemon home while the daemon runs.
const pidFile = "daemon.pid"

// App owns all subsystem lifetimes.
type App struct {
	cfg  *config.Config
	home string

	store     *store.Store
	security  *security.Engine
	creds     *registry.CredentialStore
	registry  *registry.Registry
	assembly  *assembly.Registry
	chain     *middleware.Chain
	host      *tools.Host
	hub       *hub.Hub
	tickets   *hub.TicketVerifier
	verifier  hub.TokenVerifier
	queue     *queue.Manager
	scheduler *scheduler.Scheduler
	canvas    *canvas.Board
	bridge    *discord.Bridge
	httpSrv   *http.Server
	watcher   *config.FileWatcher

	// closers are torn down in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one under home.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry injects a provider registry instead of building one from the
// config's provider entries.
func WithRegistry(r *registry.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithVerifier injects an extra WebSocket token verifier alongside the API
// token and one-shot tickets.
func WithVerifier(v hub.TokenVerifier) Option {
	return func(a *App) { a.verifier = v }
}

// New creates an App by wiring all subsystems together. Construction order
// matters: the queue's executor is set last, after every subsystem it touches
// exists.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	home, err := cfg.ResolveHome()
	if err != nil {
		return nil, fmt.Errorf("daemon: resolve home: %w", err)
	}
	a.home = home

	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		st, err := store.New(home)
		if err != nil {
			return nil, fmt.Errorf("daemon: init store: %w", err)
		}
		a.store = st
	}

	// ── 2. Security engine ───────────────────────────────────────────────
	a.security = security.NewEngine(filepath.Join(home, "security.json"))

	// ── 3. Provider registry ─────────────────────────────────────────────
	a.creds = registry.NewCredentialStore(home)
	if a.registry == nil {
		a.registry = registry.New(cfg.Providers, a.creds)
	}

	// ── 4. Assembly + middleware ─────────────────────────────────────────
	a.assembly = assembly.NewRegistry()
	a.assembly.Register(assembly.NameSessionContext, assembly.SessionContext(a.store), assembly.PrioritySessionContext, true)
	a.assembly.Register(assembly.NameMemory, assembly.Memory(home), assembly.PriorityMemory, true)
	a.assembly.Register(assembly.NameRecentActivity, assembly.RecentActivity(a.store, assembly.DefaultActivityBudget), assembly.PriorityRecentActivity, true)
	a.chain = middleware.NewChain()

	// ── 5. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("daemon: init tools: %w", err)
	}

	// ── 6. Hub ───────────────────────────────────────────────────────────
	a.tickets = hub.NewTicketVerifier(hub.DefaultTicketTTL)
	verifiers := []hub.TokenVerifier{hub.StaticVerifier(cfg.Server.APIToken), a.tickets}
	if a.verifier != nil {
		verifiers = append(verifiers, a.verifier)
	}
	a.hub = hub.New(
		hub.WithVerifier(hub.AnyVerifier(verifiers...)),
		hub.WithHeartbeatInterval(cfg.Limits.HeartbeatInterval),
		hub.WithClientTimeout(cfg.Limits.ClientTimeout),
		hub.WithBackpressureThreshold(cfg.Limits.BackpressureThreshold),
	)

	// Session destruction fans out on the same topics as injection events,
	// carrying the reason and the preserved history.
	a.store.OnDestroy(func(res store.DeleteResult) {
		ev := inject.Event{Type: "session:destroy", Session: res.Name, Data: map[string]any{
			"reason":  res.Reason,
			"history": res.History,
		}}
		a.hub.Publish("instance:"+res.Name+":session", ev)
		a.hub.Publish("session:"+res.Name, ev)
	})

	// ── 7. Queue + executor ──────────────────────────────────────────────
	a.queue = queue.New()
	dispatcher := tools.NewDispatcher(a.host, a.security, a.store, a.hub)
	exec := inject.New(a.store, a.assembly, a.chain, a.security, a.registry,
		inject.WithPublisher(a.hub),
		inject.WithTools(dispatcher),
		inject.WithIdleTimeout(cfg.Limits.IdleTimeout),
	)
	if err := a.queue.SetExecutor(exec.Execute); err != nil {
		return nil, fmt.Errorf("daemon: wire executor: %w", err)
	}

	// ── 8. Scheduler ─────────────────────────────────────────────────────
	if !cfg.Scheduler.Disabled {
		sched, err := scheduler.New(home, a.queue)
		if err != nil {
			return nil, fmt.Errorf("daemon: init scheduler: %w", err)
		}
		a.scheduler = sched
	}

	// ── 9. HTTP server ───────────────────────────────────────────────────
	a.canvas = canvas.New(canvas.WithPublisher(a.hub))
	srv := server.New(cfg.Server.APIToken, server.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Registry:  a.registry,
		Creds:     a.creds,
		Security:  a.security,
		Chain:     a.chain,
		Assembly:  a.assembly,
		Scheduler: a.scheduler,
		Hub:       a.hub,
		Tickets:   a.tickets,
		Canvas:    a.canvas,
		Health: health.New(
			health.HomeWritable(home),
			health.ProvidersReachable(a.registry),
		),
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 10. Discord bridge ───────────────────────────────────────────────
	if cfg.Discord.Token != "" {
		bridge, err := discord.New(cfg.Discord, a.store.Log(), a.queue)
		if err != nil {
			return nil, fmt.Errorf("daemon: init discord: %w", err)
		}
		a.bridge = bridge
		a.closers = append(a.closers, bridge.Close)
	}

	// Reload the security config when the file changes on disk.
	a.watcher = config.WatchFile(filepath.Join(home, "security.json"), func(string) {
		a.security.Reload()
		slog.Info("security config reloaded")
	})
	a.closers = append(a.closers, func() error {
		a.watcher.Stop()
		return nil
	})

	return a, nil
}

// initTools sets up the MCP host, builtin tools, and configured servers.
func (a *App) initTools(ctx context.Context) error {
	a.host = tools.NewHost()
	a.closers = append(a.closers, a.host.Close)

	if err := tools.RegisterMemoryTools(a.host, a.home); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	for _, srv := range a.cfg.MCP.Servers {
		transport := srv.Transport
		if transport == "streamable-http" {
			transport = tools.TransportHTTP
		}
		cfg := tools.ServerConfig{
			Name:      srv.Name,
			Transport: transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.host.RegisterServer(ctx, cfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

// Store exposes the session store (startup summary, tests).
func (a *App) Store() *store.Store { return a.store }

// Registry exposes the provider registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Scheduler exposes the trigger scheduler; nil when disabled.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Tools exposes the tool host.
func (a *App) Tools() *tools.Host { return a.host }

// Addr returns the HTTP listen address.
func (a *App) Addr() string { return a.httpSrv.Addr }

// Run starts the serving loops and blocks until ctx is cancelled or a
// subsystem fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.writePID(); err != nil {
		return err
	}
	defer a.removePID()

	if shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{}); err != nil {
		slog.Warn("metrics provider init failed", "err", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("metrics provider shutdown", "err", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
	}
	if a.bridge != nil {
		g.Go(func() error {
			return a.bridge.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown tears down the subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) writePID() error {
	path := filepath.Join(a.home, pidFile)
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	return nil
}

func (a *App) removePID() {
	if err := os.Remove(filepath.Join(a.home, pidFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove pid file", "err", err)
	}
}
