// Package config provides the configuration schema, loader, and file watcher
// for the WOPR daemon.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderKind selects the adapter implementation for a provider entry.
type ProviderKind string

const (
	// KindAnyLLM routes through the any-llm-go multi-backend adapter. The
	// entry's id (or explicit backend) selects the backend.
	KindAnyLLM ProviderKind = "anyllm"

	// KindOpenAI uses the native openai-go SDK adapter.
	KindOpenAI ProviderKind = "openai"
)

// IsValid reports whether k is a recognised provider kind.
func (k ProviderKind) IsValid() bool {
	return k == KindAnyLLM || k == KindOpenAI
}

// Config is the root configuration structure for the WOPR daemon.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// Home is the daemon state directory. Overridden by the WOPR_HOME
	// environment variable; defaults to ~/.wopr.
	Home string `yaml:"home"`

	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	Providers []ProviderEntry `yaml:"providers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	MCP       MCPConfig       `yaml:"mcp"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds network, auth, and logging settings for the daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP daemon listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogToFile tees the daemon log to {home}/daemon.log when true.
	LogToFile bool `yaml:"log_to_file"`

	// APIToken authenticates HTTP API calls and WebSocket clients. Empty
	// disables auth — local single-user setups only.
	APIToken string `yaml:"api_token"`
}

// LimitsConfig holds the tunable thresholds of the streaming and fan-out
// layers. Zero values are replaced with the compiled defaults.
type LimitsConfig struct {
	// IdleTimeout aborts an injection when the provider produces no stream
	// event for this long. Default 10m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// HeartbeatInterval is the WebSocket server ping cadence. Default 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ClientTimeout disconnects WebSocket clients with no activity for this
	// long. Default 90s.
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// BackpressureThreshold disconnects a WebSocket client that accumulates
	// more queued sends than this between heartbeats. Default 512.
	BackpressureThreshold int `yaml:"backpressure_threshold"`
}

// ProviderEntry declares one model provider in the registry.
type ProviderEntry struct {
	// ID is the provider's registry identifier ("anthropic", "openai",
	// "ollama", ...). Session provider configs and fallback chains refer to
	// this id.
	ID string `yaml:"id"`

	// Kind selects the adapter implementation. Defaults to anyllm.
	Kind ProviderKind `yaml:"kind"`

	// Name is an optional display name. Defaults to ID.
	Name string `yaml:"name"`

	// Backend overrides the any-llm backend name when it differs from ID.
	Backend string `yaml:"backend"`

	// APIKey is the credential for the provider's API. Credential files under
	// {home}/credentials/ and well-known environment variables are consulted
	// when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the provider's default model.
	Model string `yaml:"model"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	// Disabled turns the trigger loop off entirely.
	Disabled bool `yaml:"disabled"`
}

// MCPConfig holds the list of Model Context Protocol tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism: "stdio" or
	// "streamable-http".
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// DiscordConfig wires the optional Discord ambient-context bridge.
type DiscordConfig struct {
	// Token is the bot token. Empty disables the bridge.
	Token string `yaml:"token"`

	// Channels maps Discord channel ids to session names. Traffic in a mapped
	// channel is mirrored into that session's conversation log; mentions of
	// the bot trigger injections.
	Channels map[string]string `yaml:"channels"`
}

// Compiled defaults for the daemon tunables.
const (
	DefaultListenAddr            = "127.0.0.1:2428"
	DefaultIdleTimeout           = 10 * time.Minute
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultClientTimeout         = 90 * time.Second
	DefaultBackpressureThreshold = 512
)

// EnvHome is the environment variable overriding the daemon home directory.
const EnvHome = "WOPR_HOME"

// ResolveHome returns the daemon state directory: WOPR_HOME env > the config's
// home key > ~/.wopr.
func (c *Config) ResolveHome() (string, error) {
	if env := os.Getenv(EnvHome); env != "" {
		return env, nil
	}
	if c.Home != "" {
		return c.Home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wopr"), nil
}

// Default returns a Config with every tunable at its compiled default and no
// providers configured.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued tunables in place.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Limits.IdleTimeout <= 0 {
		cfg.Limits.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Limits.HeartbeatInterval <= 0 {
		cfg.Limits.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Limits.ClientTimeout <= 0 {
		cfg.Limits.ClientTimeout = DefaultClientTimeout
	}
	if cfg.Limits.BackpressureThreshold <= 0 {
		cfg.Limits.BackpressureThreshold = DefaultBackpressureThreshold
	}
}
