package assembly

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

// Built-in provider names and default priorities, registered by the daemon.
const (
	NameSessionContext = "session-context"
	NameMemory         = "memory"
	NameRecentActivity = "recent-activity"

	PrioritySessionContext = 10
	PriorityMemory         = 20
	PriorityRecentActivity = 30
)

// DefaultActivityBudget caps the recent-activity window in runes.
const DefaultActivityBudget = 4000

// SessionContext serves the per-session context file as a system addition.
func SessionContext(st *store.Store) Provider {
	return ProviderFunc(func(_ context.Context, req Request) (Result, error) {
		text, err := st.Context(req.Session)
		if err != nil {
			return Result{}, fmt.Errorf("assembly: read session context: %w", err)
		}
		return Result{SystemAddition: strings.TrimSpace(text)}, nil
	})
}

// Memory serves {home}/wopr.md plus every {home}/memory/*.md, concatenated in
// name order. Plain file reads, no search. Missing files are fine; an
// unreadable one is reported as a warning, not a failure.
func Memory(home string) Provider {
	return ProviderFunc(func(_ context.Context, _ Request) (Result, error) {
		var (
			parts []string
			res   Result
		)
		read := func(path string) {
			data, err := os.ReadFile(path)
			if err != nil {
				if !os.IsNotExist(err) {
					res.Warnings = append(res.Warnings, fmt.Sprintf("memory file %s unreadable: %v", filepath.Base(path), err))
				}
				return
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				parts = append(parts, text)
			}
		}

		read(filepath.Join(home, "wopr.md"))

		names, err := filepath.Glob(filepath.Join(home, "memory", "*.md"))
		if err == nil {
			slices.Sort(names)
			for _, name := range names {
				read(name)
			}
		}

		res.ContextAddition = strings.Join(parts, "\n\n")
		return res, nil
	})
}

// RecentActivity replays conversation entries recorded since the session's
// last-trigger watermark, so an injection can reference what happened while
// the session was idle. Output is trimmed oldest-first to budget runes.
// Registered disabled by default.
func RecentActivity(st *store.Store, budget int) Provider {
	if budget <= 0 {
		budget = DefaultActivityBudget
	}
	return ProviderFunc(func(_ context.Context, req Request) (Result, error) {
		since := st.LastTrigger(req.Session)
		entries, err := st.Log().Since(req.Session, since)
		if err != nil {
			return Result{}, fmt.Errorf("assembly: read recent activity: %w", err)
		}

		var lines []string
		for _, e := range entries {
			if e.Type != types.EntryMessage && e.Type != types.EntryResponse {
				continue
			}
			who := e.From
			if who == "" {
				who = string(e.Type)
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", who, e.Content))
		}
		if len(lines) == 0 {
			return Result{}, nil
		}

		// Trim oldest lines first until the window fits the budget.
		for len(lines) > 1 && runeLen(lines) > budget {
			lines = lines[1:]
		}
		return Result{ContextAddition: "Recent activity:\n" + strings.Join(lines, "\n")}, nil
	})
}

func runeLen(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len([]rune(l)) + 1
	}
	return n
}
