package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wopr-network/wopr/pkg/types"
)

const convLogExt = ".conversation.jsonl"

// maxLogLine bounds a single conversation entry on disk. Longer lines are
// treated as corrupt and skipped on read.
const maxLogLine = 1 << 20

// ConvLog is the append-only per-session conversation log. One JSON object
// per line; appends are serialised per session and timestamps within a log
// are strictly monotonic even when wall-clock entries collide.
type ConvLog struct {
	dir    string
	warned *sync.Map

	mu    sync.Mutex
	locks map[string]*sessionLog
}

// sessionLog carries the per-session append lock and timestamp watermark.
type sessionLog struct {
	mu     sync.Mutex
	lastTS int64
	seeded bool
}

func newConvLog(dir string, warned *sync.Map) *ConvLog {
	return &ConvLog{dir: dir, warned: warned, locks: map[string]*sessionLog{}}
}

// LogOptions name the optional attribution fields of an appended message.
type LogOptions struct {
	From     string
	SenderID string
	Channel  string
}

// Append writes entry to the session's log. A zero entry timestamp is filled
// with the current wall clock; either way the stored timestamp is bumped past
// the previous entry so ordering within one log never ties.
func (l *ConvLog) Append(session string, entry types.ConversationEntry) error {
	if !ValidName(session) {
		return fmt.Errorf("%w: %q", ErrInvalidName, session)
	}
	if !entry.Type.IsValid() {
		return fmt.Errorf("store: invalid entry type %q", entry.Type)
	}

	sl := l.sessionLog(session)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.seeded {
		sl.lastTS = l.tailTimestamp(session)
		sl.seeded = true
	}

	if entry.TS == 0 {
		entry.TS = time.Now().UnixMilli()
	}
	if entry.TS <= sl.lastTS {
		entry.TS = sl.lastTS + 1
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: encode entry: %w", err)
	}

	f, err := os.OpenFile(l.path(session), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open log %q: %w", session, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append log %q: %w", session, err)
	}

	sl.lastTS = entry.TS
	return nil
}

// LogMessage appends a message-typed entry without any model involvement.
// External platform adapters use this to mirror traffic into the history.
func (l *ConvLog) LogMessage(session, content string, opts LogOptions) error {
	from := opts.From
	if from == "" {
		from = "unknown"
	}
	return l.Append(session, types.ConversationEntry{
		From:     from,
		SenderID: opts.SenderID,
		Content:  content,
		Type:     types.EntryMessage,
		Channel:  opts.Channel,
	})
}

// Read returns the session's entries in file order. When limit > 0 only the
// last limit entries are returned. A missing log reads as empty; malformed
// lines are skipped and counted, never fatal.
func (l *ConvLog) Read(session string, limit int) ([]types.ConversationEntry, error) {
	if !ValidName(session) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, session)
	}
	f, err := os.Open(l.path(session))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open log %q: %w", session, err)
	}
	defer f.Close()

	var (
		entries []types.ConversationEntry
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e types.ConversationEntry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		// A truncated or oversized tail still yields everything before it.
		slog.Warn("store: conversation log truncated mid-read", "session", session, "err", err)
	}
	if skipped > 0 {
		l.warnMalformed(session, skipped)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Since returns the session's entries with TS strictly greater than ts.
func (l *ConvLog) Since(session string, ts int64) ([]types.ConversationEntry, error) {
	entries, err := l.Read(session, 0)
	if err != nil {
		return nil, err
	}
	i := len(entries)
	for i > 0 && entries[i-1].TS > ts {
		i--
	}
	return entries[i:], nil
}

// Path returns the on-disk location of the session's log.
func (l *ConvLog) Path(session string) string {
	return l.path(session)
}

// tailTimestamp recovers the last stored timestamp so monotonicity holds
// across daemon restarts. Called once per session per process.
func (l *ConvLog) tailTimestamp(session string) int64 {
	entries, err := l.Read(session, 1)
	if err != nil || len(entries) == 0 {
		return 0
	}
	return entries[0].TS
}

func (l *ConvLog) sessionLog(session string) *sessionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.locks[session]
	if !ok {
		sl = &sessionLog{}
		l.locks[session] = sl
	}
	return sl
}

func (l *ConvLog) path(session string) string {
	return filepath.Join(l.dir, session+convLogExt)
}

func (l *ConvLog) warnMalformed(session string, skipped int) {
	key := l.path(session) + "#malformed"
	once, _ := l.warned.LoadOrStore(key, &sync.Once{})
	once.(*sync.Once).Do(func() {
		slog.Warn("store: skipping malformed conversation entries", "session", session, "skipped", skipped)
	})
}
