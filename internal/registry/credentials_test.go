package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialLookupOrder(t *testing.T) {
	home := t.TempDir()
	credDir := filepath.Join(home, "credentials")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(credDir, "anthropic.json"),
		[]byte(`{"api_key": "file-key"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("OPENAI_API_KEY", "env-openai")

	s := NewCredentialStore(home)

	// File beats config beats env.
	if got := s.Lookup("anthropic", "config-key"); got != "file-key" {
		t.Errorf("Lookup = %q, want the credential file to win", got)
	}
	if got := s.Lookup("openai", "config-key"); got != "config-key" {
		t.Errorf("Lookup = %q, want the config key without a file", got)
	}
	if got := s.Lookup("openai", ""); got != "env-openai" {
		t.Errorf("Lookup = %q, want the env fallback", got)
	}
	if got := s.Lookup("ollama", ""); got != "" {
		t.Errorf("Lookup = %q, want empty for a keyless provider", got)
	}
}

func TestCredentialPut(t *testing.T) {
	home := t.TempDir()
	s := NewCredentialStore(home)

	if err := s.Put("Mistral", "sk-test"); err != nil {
		t.Fatal(err)
	}
	// Ids are normalised on write and read.
	if got := s.Lookup("mistral", ""); got != "sk-test" {
		t.Errorf("Lookup after Put = %q", got)
	}

	path := filepath.Join(home, "credentials", "mistral.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("credential file mode = %o, want 0600", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.APIKey != "sk-test" {
		t.Errorf("persisted key = %q", f.APIKey)
	}

	// A fresh store picks the file up.
	s2 := NewCredentialStore(home)
	if got := s2.Lookup("mistral", ""); got != "sk-test" {
		t.Errorf("fresh store Lookup = %q", got)
	}
}

func TestCredentialMalformedFileSkipped(t *testing.T) {
	home := t.TempDir()
	credDir := filepath.Join(home, "credentials")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(credDir, "broken.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewCredentialStore(home)
	if got := s.Lookup("broken", "fallback"); got != "fallback" {
		t.Errorf("Lookup = %q, want malformed file ignored", got)
	}
}
