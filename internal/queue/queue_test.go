package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wopr-network/wopr/internal/queue"
	"github.com/wopr-network/wopr/pkg/types"
)

func waitEvent(t *testing.T, ch <-chan queue.Event, want queue.EventType) queue.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

func TestInjectRequiresExecutor(t *testing.T) {
	t.Parallel()

	m := queue.New()
	_, err := m.Inject(context.Background(), "alpha", "hi", types.InjectOptions{})
	if !errors.Is(err, queue.ErrNoExecutor) {
		t.Fatalf("Inject: expected ErrNoExecutor, got %v", err)
	}
}

func TestSetExecutorExactlyOnce(t *testing.T) {
	t.Parallel()

	m := queue.New()
	exec := func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		return &types.InjectResult{Response: "ok"}, nil
	}
	if err := m.SetExecutor(exec); err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}
	if err := m.SetExecutor(exec); err == nil {
		t.Fatal("SetExecutor: expected error on second call")
	}
}

func TestFIFOWithinSession(t *testing.T) {
	t.Parallel()

	m := queue.New()
	events := m.Subscribe(64)

	var (
		mu        sync.Mutex
		processed []string
	)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		processed = append(processed, message)
		mu.Unlock()
		return &types.InjectResult{Response: "done " + message}, nil
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	injectAsync := func(msg string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Inject(context.Background(), "alpha", msg, types.InjectOptions{}); err != nil {
				t.Errorf("Inject(%s): unexpected error: %v", msg, err)
			}
		}()
	}

	// First entry becomes active and blocks inside the executor; the two
	// followers are enqueued in a known order by waiting for each enqueue
	// event before issuing the next.
	injectAsync("first")
	waitEvent(t, events, queue.EventEnqueue)
	<-started
	injectAsync("second")
	waitEvent(t, events, queue.EventEnqueue)
	injectAsync("third")
	waitEvent(t, events, queue.EventEnqueue)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(processed) != len(want) {
		t.Fatalf("processed: expected %d entries, got %d", len(want), len(processed))
	}
	for i := range want {
		if processed[i] != want[i] {
			t.Fatalf("processed[%d]: expected %q, got %q", i, want[i], processed[i])
		}
	}
}

func TestSessionsDrainIndependently(t *testing.T) {
	t.Parallel()

	m := queue.New()
	blockAlpha := make(chan struct{})
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		if session == "alpha" {
			select {
			case <-blockAlpha:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &types.InjectResult{Response: session}, nil
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}
	defer close(blockAlpha)

	go func() {
		_, _ = m.Inject(context.Background(), "alpha", "stuck", types.InjectOptions{})
	}()
	// Wait for alpha to occupy its drainer.
	deadline := time.Now().Add(5 * time.Second)
	for !m.HasPending("alpha") {
		if time.Now().After(deadline) {
			t.Fatal("alpha never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := m.Inject(context.Background(), "beta", "quick", types.InjectOptions{})
		if err != nil {
			t.Errorf("Inject(beta): unexpected error: %v", err)
			return
		}
		if res.Response != "beta" {
			t.Errorf("Inject(beta): expected response %q, got %q", "beta", res.Response)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("beta injection blocked behind alpha")
	}
}

func TestCancelActive(t *testing.T) {
	t.Parallel()

	m := queue.New()
	events := m.Subscribe(64)
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		if message == "long" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &types.InjectResult{Response: "done " + message}, nil
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}

	if m.CancelActive("alpha") {
		t.Fatal("CancelActive: expected false with nothing active")
	}

	type result struct {
		res *types.InjectResult
		err error
	}
	longDone := make(chan result, 1)
	go func() {
		res, err := m.Inject(context.Background(), "alpha", "long", types.InjectOptions{})
		longDone <- result{res, err}
	}()
	waitEvent(t, events, queue.EventStart)

	queuedDone := make(chan result, 1)
	go func() {
		res, err := m.Inject(context.Background(), "alpha", "queued", types.InjectOptions{})
		queuedDone <- result{res, err}
	}()
	waitEvent(t, events, queue.EventEnqueue)

	if !m.CancelActive("alpha") {
		t.Fatal("CancelActive: expected true with an active entry")
	}

	got := <-longDone
	if !errors.Is(got.err, context.Canceled) {
		t.Fatalf("Inject(long): expected context.Canceled, got %v", got.err)
	}
	waitEvent(t, events, queue.EventCancel)

	// The queued entry was not cancelled and runs next.
	next := <-queuedDone
	if next.err != nil {
		t.Fatalf("Inject(queued): unexpected error: %v", next.err)
	}
	if next.res.Response != "done queued" {
		t.Fatalf("Inject(queued): expected %q, got %q", "done queued", next.res.Response)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	m := queue.New()
	events := m.Subscribe(64)
	release := make(chan struct{})
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		<-release
		return &types.InjectResult{}, nil
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}

	if st := m.StatsFor(""); st.Active != 0 || st.Queued != 0 {
		t.Fatalf("StatsFor: expected zero stats, got %+v", st)
	}

	for i := 0; i < 3; i++ {
		go func() { _, _ = m.Inject(context.Background(), "alpha", "m", types.InjectOptions{}) }()
		waitEvent(t, events, queue.EventEnqueue)
	}
	go func() { _, _ = m.Inject(context.Background(), "beta", "m", types.InjectOptions{}) }()
	waitEvent(t, events, queue.EventEnqueue)

	// Let both drainers pick up their first entries.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := m.StatsFor("")
		if st.Active == 2 && st.Queued == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("StatsFor: expected {2 2}, got %+v", st)
		}
		time.Sleep(time.Millisecond)
	}

	alpha := m.StatsFor("alpha")
	if alpha.Active != 1 || alpha.Queued != 2 {
		t.Fatalf("StatsFor(alpha): expected {1 2}, got %+v", alpha)
	}
	if !m.HasPending("alpha") || !m.HasPending("beta") {
		t.Fatal("HasPending: expected both sessions pending")
	}
	if m.HasPending("gamma") {
		t.Fatal("HasPending: expected gamma idle")
	}

	close(release)
}

func TestEventLifecycle(t *testing.T) {
	t.Parallel()

	m := queue.New()
	events := m.Subscribe(16)
	wantErr := errors.New("provider exploded")
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		if message == "boom" {
			return nil, wantErr
		}
		return &types.InjectResult{Response: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}

	if _, err := m.Inject(context.Background(), "alpha", "fine", types.InjectOptions{}); err != nil {
		t.Fatalf("Inject: unexpected error: %v", err)
	}
	waitEvent(t, events, queue.EventEnqueue)
	waitEvent(t, events, queue.EventStart)
	waitEvent(t, events, queue.EventComplete)

	if _, err := m.Inject(context.Background(), "alpha", "boom", types.InjectOptions{}); !errors.Is(err, wantErr) {
		t.Fatalf("Inject(boom): expected provider error, got %v", err)
	}
	ev := waitEvent(t, events, queue.EventError)
	if !errors.Is(ev.Err, wantErr) {
		t.Fatalf("error event: expected wrapped provider error, got %v", ev.Err)
	}
}

func TestExecutorPanicIsContained(t *testing.T) {
	t.Parallel()

	m := queue.New()
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		if message == "panic" {
			panic("kaboom")
		}
		return &types.InjectResult{Response: "survived"}, nil
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}

	if _, err := m.Inject(context.Background(), "alpha", "panic", types.InjectOptions{}); err == nil {
		t.Fatal("Inject(panic): expected error")
	}
	res, err := m.Inject(context.Background(), "alpha", "next", types.InjectOptions{})
	if err != nil {
		t.Fatalf("Inject(next): unexpected error after panic: %v", err)
	}
	if res.Response != "survived" {
		t.Fatalf("Inject(next): expected %q, got %q", "survived", res.Response)
	}
}

func TestCallerContextCancelsEntry(t *testing.T) {
	t.Parallel()

	m := queue.New()
	err := m.SetExecutor(func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, fmt.Errorf("executor was not cancelled")
		}
	})
	if err != nil {
		t.Fatalf("SetExecutor: unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Inject(ctx, "alpha", "m", types.InjectOptions{})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !m.HasPending("alpha") {
		if time.Now().After(deadline) {
			t.Fatal("entry never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Inject: expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Inject did not return after caller cancellation")
	}
}
