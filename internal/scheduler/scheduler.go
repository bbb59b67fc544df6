// Package scheduler fires persisted cron and one-shot triggers by injecting
// messages into sessions.
//
// The loop ticks once per minute (cron granularity). Fires are at-most-once:
// the first tick window starts at scheduler start, so triggers missed while
// the daemon was down are never replayed.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wopr-network/wopr/pkg/types"
)

// Injector is the scheduler's view of the injection queue.
type Injector interface {
	Inject(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error)
}

// ErrDuplicateName is returned when adding a trigger under a taken name.
var ErrDuplicateName = errors.New("scheduler: trigger name already exists")

// ErrUnknownTrigger is returned when removing a trigger that does not exist.
var ErrUnknownTrigger = errors.New("scheduler: unknown trigger")

// stateFile is the persistence file under the daemon home.
const stateFile = "schedule.json"

// CronJob is a recurring (or once-flagged) 5-field cron trigger.
type CronJob struct {
	Name    string `json:"name"`
	Expr    string `json:"expr"`
	Session string `json:"session"`
	Message string `json:"message"`
	Once    bool   `json:"once,omitempty"`
}

// OneShot fires once at an absolute time (epoch milliseconds).
type OneShot struct {
	Name    string `json:"name"`
	At      int64  `json:"at"`
	Session string `json:"session"`
	Message string `json:"message"`
}

// state is the on-disk shape of schedule.json.
type state struct {
	Crons    []CronJob `json:"crons"`
	OneShots []OneShot `json:"oneShots"`
}

// Scheduler owns the persisted triggers and the minute loop.
type Scheduler struct {
	path     string
	injector Injector
	now      func() time.Time
	tick     time.Duration

	mu       sync.Mutex
	st       state
	lastTick time.Time
	parsed   map[string]cron.Schedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval overrides the minute tick. Tests only.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a Scheduler persisting under home and loads any existing state.
// Triggers whose stored expressions no longer parse are dropped with a log.
func New(home string, injector Injector, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:     filepath.Join(home, stateFile),
		injector: injector,
		now:      time.Now,
		tick:     time.Minute,
		parsed:   map[string]cron.Schedule{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastTick = s.now()

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: read state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("scheduler: parse state: %w", err)
	}

	for _, c := range st.Crons {
		sched, err := cron.ParseStandard(c.Expr)
		if err != nil {
			slog.Warn("scheduler: dropping trigger with invalid expression", "name", c.Name, "expr", c.Expr, "err", err)
			continue
		}
		s.parsed[c.Name] = sched
		s.st.Crons = append(s.st.Crons, c)
	}
	s.st.OneShots = st.OneShots
	return nil
}

// saveLocked persists the state. Must be called with s.mu held.
func (s *Scheduler) saveLocked() error {
	data, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("scheduler: create home: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("scheduler: write state: %w", err)
	}
	return nil
}

// AddCron registers a recurring trigger. once removes it after its first fire.
func (s *Scheduler) AddCron(name, expr, session, message string, once bool) error {
	if name == "" {
		return fmt.Errorf("scheduler: trigger name must not be empty")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("scheduler: parse %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(name) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	s.st.Crons = append(s.st.Crons, CronJob{Name: name, Expr: expr, Session: session, Message: message, Once: once})
	s.parsed[name] = sched
	return s.saveLocked()
}

// AddAt registers a one-shot trigger at an absolute epoch-millisecond time.
func (s *Scheduler) AddAt(name string, at int64, session, message string) error {
	if name == "" {
		return fmt.Errorf("scheduler: trigger name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(name) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	s.st.OneShots = append(s.st.OneShots, OneShot{Name: name, At: at, Session: session, Message: message})
	return s.saveLocked()
}

// Remove deletes the named trigger of either kind.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nc := slices.DeleteFunc(s.st.Crons, func(c CronJob) bool { return c.Name == name })
	no := slices.DeleteFunc(s.st.OneShots, func(o OneShot) bool { return o.Name == name })
	if len(nc) == len(s.st.Crons) && len(no) == len(s.st.OneShots) {
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
	s.st.Crons, s.st.OneShots = nc, no
	delete(s.parsed, name)
	return s.saveLocked()
}

// List returns the current triggers.
func (s *Scheduler) List() ([]CronJob, []OneShot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.Crons), slices.Clone(s.st.OneShots)
}

func (s *Scheduler) nameTakenLocked(name string) bool {
	return slices.ContainsFunc(s.st.Crons, func(c CronJob) bool { return c.Name == name }) ||
		slices.ContainsFunc(s.st.OneShots, func(o OneShot) bool { return o.Name == name })
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every trigger due in the window since the previous tick.
// Exported so tests and the daemon can drive the loop directly.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	since := s.lastTick
	s.lastTick = now

	type firing struct {
		name, session, message string
	}
	var fires []firing

	remaining := s.st.Crons[:0]
	for _, c := range s.st.Crons {
		sched, ok := s.parsed[c.Name]
		if !ok {
			continue
		}
		if next := sched.Next(since); !next.After(now) {
			fires = append(fires, firing{c.Name, c.Session, c.Message})
			if c.Once {
				delete(s.parsed, c.Name)
				continue
			}
		}
		remaining = append(remaining, c)
	}
	s.st.Crons = remaining

	remainingShots := s.st.OneShots[:0]
	for _, o := range s.st.OneShots {
		if o.At <= now.UnixMilli() {
			fires = append(fires, firing{o.Name, o.Session, o.Message})
			continue
		}
		remainingShots = append(remainingShots, o)
	}
	s.st.OneShots = remainingShots

	if err := s.saveLocked(); err != nil {
		slog.Warn("scheduler: persist after tick", "err", err)
	}
	s.mu.Unlock()

	for _, f := range fires {
		go s.fire(ctx, f.name, f.session, f.message)
	}
}

// fire runs one trigger. Errors are logged, never fatal to the loop.
func (s *Scheduler) fire(ctx context.Context, name, session, message string) {
	slog.Info("scheduler: firing trigger", "trigger", name, "session", session)

	source := types.InjectionSource{
		Type:   types.SourceScheduler,
		Origin: "cron:" + name,
	}
	res, err := s.injector.Inject(ctx, session, message, types.InjectOptions{
		From:   "scheduler",
		Source: &source,
	})
	if err != nil {
		slog.Error("scheduler: trigger failed", "trigger", name, "session", session, "err", err)
		return
	}
	slog.Debug("scheduler: trigger completed", "trigger", name,
		"response_len", len(res.Response))
}
