package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// envKeys maps provider ids to the well-known environment variables their
// SDKs read. Consulted last, after credential files and config keys.
var envKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// credentialFile is the on-disk shape of {home}/credentials/{id}.json.
type credentialFile struct {
	APIKey string `json:"api_key"`
}

// CredentialStore resolves provider API keys. Lookup order: credential file
// under {home}/credentials/, then the config-supplied key, then the
// provider's well-known environment variable.
type CredentialStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]string
}

// NewCredentialStore creates a store rooted at {home}/credentials and loads
// whatever credential files already exist.
func NewCredentialStore(home string) *CredentialStore {
	s := &CredentialStore{
		dir:   filepath.Join(home, "credentials"),
		cache: make(map[string]string),
	}
	s.LoadCredentials()
	return s
}

// LoadCredentials re-reads every {id}.json under the credentials directory.
// Malformed files are logged and skipped.
func (s *CredentialStore) LoadCredentials() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := normalizeID(strings.TrimSuffix(name, ".json"))
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("registry: credential file unreadable", "id", id, "err", err)
			continue
		}
		var f credentialFile
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("registry: credential file malformed", "id", id, "err", err)
			continue
		}
		if f.APIKey != "" {
			s.cache[id] = f.APIKey
		}
	}
}

// Lookup resolves the API key for a provider id. configKey is the key from
// the config file, consulted after the credential file.
func (s *CredentialStore) Lookup(id, configKey string) string {
	id = normalizeID(id)

	s.mu.Lock()
	key := s.cache[id]
	s.mu.Unlock()
	if key != "" {
		return key
	}
	if configKey != "" {
		return configKey
	}
	if env, ok := envKeys[id]; ok {
		return os.Getenv(env)
	}
	return ""
}

// Put persists an API key for the provider id and updates the cache. The file
// is written owner-only.
func (s *CredentialStore) Put(id, apiKey string) error {
	id = normalizeID(id)
	if id == "" {
		return fmt.Errorf("registry: credential id must not be empty")
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("registry: create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(credentialFile{APIKey: apiKey}, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal credential: %w", err)
	}
	path := filepath.Join(s.dir, id+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("registry: write credential: %w", err)
	}

	s.mu.Lock()
	s.cache[id] = apiKey
	s.mu.Unlock()
	return nil
}
