// Package store persists WOPR sessions as flat files under the daemon home
// directory and owns the append-only per-session conversation logs.
//
// Layout (relative to the home dir):
//
//	sessions.json                     name → provider conversation id
//	sessions/{name}.md                session context text
//	sessions/{name}.provider.json     per-session provider config
//	sessions/{name}.created           creation timestamp, epoch ms decimal
//	sessions/{name}.last              last-trigger watermark, epoch ms decimal
//	sessions/{name}.conversation.jsonl  append-only conversation log
//
// Reads of missing files return zero values, not errors. Malformed persisted
// state is treated as empty and logged once per path. All writes are
// last-writer-wins; a session's own writes are serialised by the queue.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wopr-network/wopr/pkg/types"
)

const (
	sessionsFile = "sessions.json"
	sessionsDir  = "sessions"
)

// ErrInvalidName reports a session name that is not filesystem-safe.
var ErrInvalidName = errors.New("store: invalid session name")

// nameRe accepts case-sensitive, filesystem-safe session names. No leading
// dot or dash, so generated file names never collide with hidden files or
// flag-like strings.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name is acceptable as a session name.
func ValidName(name string) bool {
	return nameRe.MatchString(name) && !strings.Contains(name, "..")
}

// SessionInfo joins the persisted attributes of one session.
type SessionInfo struct {
	Name           string                `json:"name"`
	ConversationID string                `json:"conversationId,omitempty"`
	Context        string                `json:"context,omitempty"`
	Provider       *types.ProviderConfig `json:"provider,omitempty"`
	CreatedAt      int64                 `json:"createdAt,omitempty"`
}

// DeleteResult carries what a destroyed session left behind.
type DeleteResult struct {
	Name    string
	Reason  string
	History []types.ConversationEntry
}

// DestroyHook observes session destruction. Wired by the daemon to publish
// the session:destroy event; set before any Delete call.
type DestroyHook func(res DeleteResult)

// Store is the file-backed session store.
type Store struct {
	dir string
	log *ConvLog

	// mu guards the sessions.json read-modify-write cycle.
	mu sync.Mutex

	// warned tracks "malformed state" log emissions, one per path.
	warned sync.Map

	onDestroy DestroyHook
}

// New creates a Store rooted at dir, creating the directory structure as
// needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: dir must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, sessionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: create layout: %w", err)
	}
	s := &Store{dir: dir}
	s.log = newConvLog(filepath.Join(dir, sessionsDir), &s.warned)
	return s, nil
}

// Dir returns the home directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// Log returns the conversation log sharing this store's layout.
func (s *Store) Log() *ConvLog {
	return s.log
}

// OnDestroy registers the destroy hook. Later calls replace earlier ones.
func (s *Store) OnDestroy(fn DestroyHook) {
	s.onDestroy = fn
}

// ── sessions.json ──────────────────────────────────────────────────────────

// Sessions returns the full name → conversation-id map. A missing or
// malformed sessions.json reads as empty.
func (s *Store) Sessions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSessionsLocked()
}

// SessionID returns the stored conversation id for name, or "" when unset.
func (s *Store) SessionID(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSessionsLocked()[name]
}

// SaveSessionID upserts the conversation id for name. The session's creation
// timestamp is recorded on first save and never touched afterwards.
func (s *Store) SaveSessionID(name, convID string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.readSessionsLocked()
	sessions[name] = convID
	if err := s.writeSessionsLocked(sessions); err != nil {
		return err
	}
	s.ensureCreated(name)
	return nil
}

// DeleteSessionID removes the conversation id for name. Context and provider
// config are left untouched.
func (s *Store) DeleteSessionID(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.readSessionsLocked()
	if _, ok := sessions[name]; !ok {
		return nil
	}
	delete(sessions, name)
	return s.writeSessionsLocked(sessions)
}

// readSessionsLocked loads sessions.json. Callers hold s.mu.
func (s *Store) readSessionsLocked() map[string]string {
	path := filepath.Join(s.dir, sessionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		s.warnOnce(path, "malformed sessions file, treating as empty", err)
		return map[string]string{}
	}
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// writeSessionsLocked persists sessions.json. Callers hold s.mu.
func (s *Store) writeSessionsLocked(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode sessions: %w", err)
	}
	path := filepath.Join(s.dir, sessionsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("store: write sessions: %w", err)
	}
	return nil
}

// ── per-session files ──────────────────────────────────────────────────────

// Context returns the session's context text, or "" when unset.
func (s *Store) Context(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(s.sessionPath(name, ".md"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read context %q: %w", name, err)
	}
	return string(data), nil
}

// SetContext overwrites the session's context text. Establishes the session:
// the creation timestamp is recorded if absent.
func (s *Store) SetContext(name, text string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := os.WriteFile(s.sessionPath(name, ".md"), []byte(text), 0o644); err != nil {
		return fmt.Errorf("store: write context %q: %w", name, err)
	}
	s.ensureCreated(name)
	return nil
}

// Provider returns the session's provider config, or nil when unset.
func (s *Store) Provider(name string) (*types.ProviderConfig, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := s.sessionPath(name, ".provider.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read provider %q: %w", name, err)
	}
	var cfg types.ProviderConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.warnOnce(path, "malformed provider config, treating as unset", err)
		return nil, nil
	}
	return &cfg, nil
}

// SetProvider overwrites the session's provider config. Establishes the
// session like SetContext.
func (s *Store) SetProvider(name string, cfg types.ProviderConfig) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode provider %q: %w", name, err)
	}
	if err := os.WriteFile(s.sessionPath(name, ".provider.json"), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("store: write provider %q: %w", name, err)
	}
	s.ensureCreated(name)
	return nil
}

// CreatedAt returns the session's creation timestamp in epoch ms, or 0 when
// the session has never been established.
func (s *Store) CreatedAt(name string) int64 {
	return s.readStamp(name, ".created")
}

// LastTrigger returns the session's last-trigger watermark in epoch ms, or 0.
// Time-windowed context providers read this to scope "recent" activity.
func (s *Store) LastTrigger(name string) int64 {
	return s.readStamp(name, ".last")
}

// SetLastTrigger updates the last-trigger watermark.
func (s *Store) SetLastTrigger(name string, ts int64) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data := strconv.FormatInt(ts, 10)
	if err := os.WriteFile(s.sessionPath(name, ".last"), []byte(data), 0o644); err != nil {
		return fmt.Errorf("store: write last-trigger %q: %w", name, err)
	}
	return nil
}

// ensureCreated records the creation timestamp exactly once. O_EXCL keeps an
// existing stamp inviolate no matter how often sessions are re-saved.
func (s *Store) ensureCreated(name string) {
	path := s.sessionPath(name, ".created")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return // already recorded
	}
	defer f.Close()
	fmt.Fprintf(f, "%d", time.Now().UnixMilli())
}

// readStamp parses a decimal epoch-ms stamp file. Missing or malformed → 0.
func (s *Store) readStamp(name, ext string) int64 {
	if !ValidName(name) {
		return 0
	}
	data, err := os.ReadFile(s.sessionPath(name, ext))
	if err != nil {
		return 0
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.warnOnce(s.sessionPath(name, ext), "malformed timestamp file", err)
		return 0
	}
	return ts
}

// ── listing and destruction ────────────────────────────────────────────────

// Exists reports whether the session has any persisted trace (id, context,
// provider config, or creation marker).
func (s *Store) Exists(name string) bool {
	if !ValidName(name) {
		return false
	}
	if s.SessionID(name) != "" {
		return true
	}
	for _, ext := range []string{".created", ".md", ".provider.json"} {
		if _, err := os.Stat(s.sessionPath(name, ext)); err == nil {
			return true
		}
	}
	return false
}

// List joins ids, context, provider config, and creation timestamps for every
// known session, sorted by name. Sessions are known through sessions.json or
// through any per-session file on disk.
func (s *Store) List() ([]SessionInfo, error) {
	names := map[string]bool{}
	for name := range s.Sessions() {
		names[name] = true
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("store: scan sessions dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := sessionNameFromFile(e.Name()); ok {
			names[name] = true
		}
	}

	ids := s.Sessions()
	out := make([]SessionInfo, 0, len(names))
	for name := range names {
		info := SessionInfo{
			Name:           name,
			ConversationID: ids[name],
			CreatedAt:      s.CreatedAt(name),
		}
		if ctx, err := s.Context(name); err == nil {
			info.Context = ctx
		}
		if cfg, err := s.Provider(name); err == nil {
			info.Provider = cfg
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Delete destroys a session: reads the conversation history, clears the id,
// removes context, provider config, and timestamp markers, and fires the
// destroy hook with the history and reason. The conversation log itself is
// deliberately preserved.
func (s *Store) Delete(name, reason string) (DeleteResult, error) {
	if !ValidName(name) {
		return DeleteResult{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	history, err := s.log.Read(name, 0)
	if err != nil {
		slog.Warn("store: reading history during destroy", "session", name, "err", err)
	}

	if err := s.DeleteSessionID(name); err != nil {
		return DeleteResult{}, err
	}
	for _, ext := range []string{".md", ".provider.json", ".created", ".last"} {
		if err := os.Remove(s.sessionPath(name, ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("store: removing session file", "session", name, "ext", ext, "err", err)
		}
	}

	res := DeleteResult{Name: name, Reason: reason, History: history}
	if s.onDestroy != nil {
		s.onDestroy(res)
	}
	return res, nil
}

// ── helpers ────────────────────────────────────────────────────────────────

func (s *Store) sessionPath(name, ext string) string {
	return filepath.Join(s.dir, sessionsDir, name+ext)
}

// warnOnce logs a malformed-state warning once per path.
func (s *Store) warnOnce(path, msg string, err error) {
	once, _ := s.warned.LoadOrStore(path, &sync.Once{})
	once.(*sync.Once).Do(func() {
		slog.Warn("store: "+msg, "path", path, "err", err)
	})
}

// knownExts are the per-session file suffixes List recognises.
var knownExts = []string{".conversation.jsonl", ".provider.json", ".created", ".last", ".md"}

// sessionNameFromFile maps a sessions/ dir entry back to its session name.
func sessionNameFromFile(file string) (string, bool) {
	for _, ext := range knownExts {
		if name, ok := strings.CutSuffix(file, ext); ok && ValidName(name) {
			return name, true
		}
	}
	return "", false
}
