// Command woprd is the WOPR daemon: it owns the sessions, talks to the model
// providers, and serves the HTTP API, WebSocket hub, and OpenAI-compatible
// shim.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wopr-network/wopr/internal/config"
	"github.com/wopr-network/wopr/internal/daemon"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	homeFlag := flag.String("home", "", "daemon state directory (overrides config and WOPR_HOME)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "woprd: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "woprd: %v\n", err)
			}
			return 1
		}
	} else {
		cfg = config.Default()
	}
	if *homeFlag != "" {
		cfg.Home = *homeFlag
		os.Unsetenv(config.EnvHome)
	}

	home, err := cfg.ResolveHome()
	if err != nil {
		fmt.Fprintf(os.Stderr, "woprd: resolve home: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "woprd: create home: %v\n", err)
		return 1
	}

	logger, logClose, err := newLogger(cfg, home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "woprd: %v\n", err)
		return 1
	}
	if logClose != nil {
		defer logClose()
	}
	slog.SetDefault(logger)

	slog.Info("woprd starting",
		"config", *configPath,
		"home", home,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := daemon.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise daemon", "err", err)
		return 1
	}

	printStartupSummary(cfg, home, app)

	slog.Info("daemon ready — press Ctrl+C to shut down")

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, home string, app *daemon.App) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           WOPR — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Home", home)
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.APIToken != "" {
		printRow("Auth", "bearer token")
	} else {
		printRow("Auth", "(disabled)")
	}
	for _, p := range app.Registry().List() {
		printRow("Provider", p.ID+" / "+p.DefaultModel)
	}
	if len(app.Registry().List()) == 0 {
		printRow("Provider", "(none configured)")
	}
	printRow("Tools", fmt.Sprintf("%d", len(app.Tools().Tools())))
	for _, srv := range cfg.MCP.Servers {
		printRow("MCP server", srv.Name)
	}
	if cfg.Discord.Token != "" {
		printRow("Discord", fmt.Sprintf("%d channels", len(cfg.Discord.Channels)))
	} else {
		printRow("Discord", "(disabled)")
	}
	if app.Scheduler() != nil {
		crons, oneShots := app.Scheduler().List()
		printRow("Triggers", fmt.Sprintf("%d cron, %d one-shot", len(crons), len(oneShots)))
	} else {
		printRow("Scheduler", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(cfg *config.Config, home string) (*slog.Logger, func() error, error) {
	var lvl slog.Level
	switch cfg.Server.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closeFn func() error
	if cfg.Server.LogToFile {
		f, err := os.OpenFile(filepath.Join(home, "daemon.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = f.Close
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn, nil
}
