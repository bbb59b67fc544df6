package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wopr-network/wopr/pkg/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeInjector records fired injections on a channel.
type fakeInjector struct {
	calls chan string // "session/message"
}

func newFakeInjector() *fakeInjector {
	return &fakeInjector{calls: make(chan string, 16)}
}

func (f *fakeInjector) Inject(_ context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
	if opts.Source == nil || opts.Source.Type != types.SourceScheduler {
		return nil, errors.New("missing scheduler source")
	}
	f.calls <- session + "/" + message
	return &types.InjectResult{Response: "ok"}, nil
}

func (f *fakeInjector) expectFire(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Errorf("fired %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fire within deadline, want %q", want)
	}
}

func (f *fakeInjector) expectNoFire(t *testing.T) {
	t.Helper()
	select {
	case got := <-f.calls:
		t.Errorf("unexpected fire %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeClock, *fakeInjector) {
	t.Helper()
	clock := newFakeClock()
	inj := newFakeInjector()
	s, err := New(t.TempDir(), inj, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	return s, clock, inj
}

func TestAddCronValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	if err := s.AddCron("bad", "not a cron", "s", "m", false); err == nil {
		t.Error("invalid expression accepted")
	}
	if err := s.AddCron("", "* * * * *", "s", "m", false); err == nil {
		t.Error("empty name accepted")
	}
	if err := s.AddCron("job", "* * * * *", "s", "m", false); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCron("job", "* * * * *", "s", "m", false); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("err = %v, want ErrDuplicateName", err)
	}
	if err := s.AddAt("job", 1, "s", "m"); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("cross-kind duplicate: err = %v, want ErrDuplicateName", err)
	}
}

func TestCronFiresEachMinute(t *testing.T) {
	s, clock, inj := newTestScheduler(t)
	if err := s.AddCron("minutely", "* * * * *", "main", "tick", false); err != nil {
		t.Fatal(err)
	}

	// Still inside the start minute: nothing due yet.
	s.Tick(context.Background())
	inj.expectNoFire(t)

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectFire(t, "main/tick")

	// Recurring jobs survive their fire.
	crons, _ := s.List()
	if len(crons) != 1 {
		t.Errorf("crons = %+v, want the job kept", crons)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectFire(t, "main/tick")
}

func TestOnceCronRemovedAfterFire(t *testing.T) {
	s, clock, inj := newTestScheduler(t)
	if err := s.AddCron("oneoff", "* * * * *", "main", "go", true); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectFire(t, "main/go")

	crons, _ := s.List()
	if len(crons) != 0 {
		t.Errorf("crons = %+v, want once-job removed", crons)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectNoFire(t)
}

func TestOneShotFiresOnceTimePasses(t *testing.T) {
	s, clock, inj := newTestScheduler(t)
	at := clock.Now().Add(90 * time.Second).UnixMilli()
	if err := s.AddAt("reminder", at, "main", "wake up"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectNoFire(t)

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectFire(t, "main/wake up")

	_, shots := s.List()
	if len(shots) != 0 {
		t.Errorf("one-shots = %+v, want removed after firing", shots)
	}
}

func TestMissedCronTicksNotReplayed(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	inj := newFakeInjector()

	s, err := New(dir, inj, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddCron("hourly", "0 * * * *", "main", "report", false); err != nil {
		t.Fatal(err)
	}

	// Simulate a long downtime: a fresh scheduler starts after several missed
	// fire times. The first tick window opens at restart, so nothing replays.
	clock.Advance(5 * time.Hour)
	s2, err := New(dir, inj, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	s2.Tick(context.Background())
	inj.expectNoFire(t)

	// The next scheduled boundary after restart still fires.
	clock.Advance(time.Hour)
	s2.Tick(context.Background())
	inj.expectFire(t, "main/report")
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	inj := newFakeInjector()

	s, err := New(dir, inj, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddCron("job", "*/5 * * * *", "a", "m1", false); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAt("shot", clock.Now().Add(time.Hour).UnixMilli(), "b", "m2"); err != nil {
		t.Fatal(err)
	}

	s2, err := New(dir, inj, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	crons, shots := s2.List()
	if len(crons) != 1 || crons[0].Name != "job" {
		t.Errorf("crons = %+v", crons)
	}
	if len(shots) != 1 || shots[0].Name != "shot" {
		t.Errorf("one-shots = %+v", shots)
	}
}

func TestRemove(t *testing.T) {
	s, clock, inj := newTestScheduler(t)
	if err := s.AddCron("job", "* * * * *", "s", "m", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("job"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("job"); !errors.Is(err, ErrUnknownTrigger) {
		t.Errorf("err = %v, want ErrUnknownTrigger", err)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	inj.expectNoFire(t)
}
