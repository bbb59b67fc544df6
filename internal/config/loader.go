package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// knownBackends lists the any-llm backend names the anyllm adapter accepts.
// Used by [Validate] to warn about likely typos.
var knownBackends = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; the HTTP API and WebSocket are unauthenticated")
	}

	// Providers
	idsSeen := make(map[string]int, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := fmt.Sprintf("providers[%d]", i)

		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := idsSeen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of providers[%d]", prefix, p.ID, prev))
		} else {
			idsSeen[p.ID] = i
		}

		if p.Kind == "" {
			p.Kind = KindAnyLLM
		}
		if !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: anyllm, openai", prefix, p.Kind))
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}

		if p.Kind == KindAnyLLM {
			backend := p.Backend
			if backend == "" {
				backend = p.ID
			}
			if !slices.Contains(knownBackends, backend) {
				slog.Warn("unknown any-llm backend — may be a typo",
					"provider", p.ID,
					"backend", backend,
					"known", knownBackends,
				)
			}
		}
	}
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; injections will fail until one is added")
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch srv.Transport {
		case "", "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	// Discord
	if cfg.Discord.Token != "" && len(cfg.Discord.Channels) == 0 {
		slog.Warn("discord.token is set but discord.channels is empty; the bridge will only answer direct mentions")
	}

	return errors.Join(errs...)
}
