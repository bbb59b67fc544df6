package config

import (
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FileWatcher monitors a single file for content changes and calls a callback
// when it is modified. It uses polling (not fsnotify) to keep dependencies
// minimal. The daemon watches security.json with it so hand edits to the
// policy reload the engine cache without a restart.
//
// A missing file is not an error: the watcher keeps polling and fires the
// callback when the file appears.
type FileWatcher struct {
	path     string
	interval time.Duration
	onChange func(path string)

	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	mu        sync.Mutex
	lastMtime time.Time
	lastHash  [sha256.Size]byte
	seen      bool
}

// WatcherOption configures a [FileWatcher].
type WatcherOption func(*FileWatcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WatchFile starts polling path in a background goroutine. onChange runs on
// the watcher goroutine whenever the file's content hash changes; it is never
// fired for the initial state observed at start.
func WatchFile(path string, onChange func(path string), opts ...WatcherOption) *FileWatcher {
	w := &FileWatcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Record the initial state so only real edits fire the callback.
	if data, err := os.ReadFile(path); err == nil {
		w.lastHash = sha256.Sum256(data)
		w.seen = true
		if info, err := os.Stat(path); err == nil {
			w.lastMtime = info.ModTime()
		}
	}

	go w.poll()
	return w
}

// Stop stops the file watcher.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the file periodically.
func (w *FileWatcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check stats and, when the mtime moved, hashes the file. The callback fires
// only on a content change.
func (w *FileWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return // absent or unreadable; keep polling
	}

	w.mu.Lock()
	unchanged := w.seen && info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("file watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	changed := !w.seen || hash != w.lastHash
	w.seen = true
	w.lastHash = hash
	w.lastMtime = info.ModTime()
	w.mu.Unlock()

	if !changed {
		return
	}

	slog.Info("file watcher: file changed, reloading", "path", w.path)
	if w.onChange != nil {
		w.onChange(w.path)
	}
}
