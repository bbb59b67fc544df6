// Package queue serialises injections per session. Each session drains its
// entries strictly in enqueue order on a dedicated goroutine; different
// sessions proceed in parallel. There is no preemption: cancellation is
// cooperative through the context handed to the executor.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wopr-network/wopr/pkg/types"
)

// Executor performs one injection end to end. The passed context is the
// entry's abort handle; the executor must honour it between stream messages
// and close any in-flight provider stream when it fires.
type Executor func(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error)

// ErrNoExecutor is returned by Inject before SetExecutor has run.
var ErrNoExecutor = errors.New("queue: executor not set")

// EventType names the per-entry lifecycle notifications.
type EventType string

const (
	EventEnqueue  EventType = "enqueue"
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventCancel   EventType = "cancel"
	EventError    EventType = "error"
)

// Event is one lifecycle notification. Every entry produces exactly one
// enqueue, one start, and one terminal event (complete, cancel, or error).
type Event struct {
	Type    EventType
	Session string

	// Position is the number of entries ahead at enqueue time. Zero means
	// the entry runs immediately.
	Position int

	// Err carries the failure for EventError.
	Err error
}

// Stats counts a session's (or all sessions') in-flight work.
type Stats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

type entry struct {
	session string
	message string
	opts    types.InjectOptions

	ctx    context.Context
	cancel context.CancelFunc

	res  *types.InjectResult
	err  error
	done chan struct{}
}

// sessionQueue is one session's FIFO chain. active is non-nil while the
// drainer is executing an entry; draining stays true for the drainer's whole
// lifetime so Inject never starts a second one.
type sessionQueue struct {
	draining bool
	active   *entry
	queued   []*entry
}

// Manager owns the per-session queues.
// All exported methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionQueue
	exec     Executor

	subMu sync.Mutex
	subs  []chan Event
}

// New creates an empty Manager. SetExecutor must be called before the first
// Inject.
func New() *Manager {
	return &Manager{sessions: map[string]*sessionQueue{}}
}

// SetExecutor injects the closure that performs injections. It must be called
// exactly once, before the first Inject.
func (m *Manager) SetExecutor(fn Executor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec != nil {
		return fmt.Errorf("queue: executor already set")
	}
	if fn == nil {
		return fmt.Errorf("queue: executor must not be nil")
	}
	m.exec = fn
	return nil
}

// Inject enqueues message for session and blocks until the entry settles.
// The entry inherits cancellation from ctx; CancelActive aborts it once it is
// the active entry.
func (m *Manager) Inject(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error) {
	m.mu.Lock()
	if m.exec == nil {
		m.mu.Unlock()
		return nil, ErrNoExecutor
	}

	entryCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		session: session,
		message: message,
		opts:    opts,
		ctx:     entryCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	sq := m.sessions[session]
	if sq == nil {
		sq = &sessionQueue{}
		m.sessions[session] = sq
	}
	position := len(sq.queued)
	if sq.active != nil {
		position++
	}
	sq.queued = append(sq.queued, e)

	startDrainer := !sq.draining
	if startDrainer {
		sq.draining = true
	}
	m.mu.Unlock()

	m.publish(Event{Type: EventEnqueue, Session: session, Position: position})
	if position > 0 {
		slog.Debug("queue: entry waiting", "session", session, "position", position)
	}
	if startDrainer {
		go m.drain(session)
	}

	<-e.done
	return e.res, e.err
}

// CancelActive signals the abort handle of session's active entry. Queued
// entries are untouched. Reports whether an active entry was cancelled.
func (m *Manager) CancelActive(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq := m.sessions[session]
	if sq == nil || sq.active == nil {
		return false
	}
	sq.active.cancel()
	return true
}

// HasPending reports whether session has an active or queued entry.
func (m *Manager) HasPending(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sq := m.sessions[session]
	return sq != nil && (sq.active != nil || len(sq.queued) > 0)
}

// StatsFor returns the counts for one session. Session "" aggregates across
// all sessions.
func (m *Manager) StatsFor(session string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	count := func(sq *sessionQueue) {
		if sq.active != nil {
			st.Active++
		}
		st.Queued += len(sq.queued)
	}
	if session != "" {
		if sq := m.sessions[session]; sq != nil {
			count(sq)
		}
		return st
	}
	for _, sq := range m.sessions {
		count(sq)
	}
	return st
}

// Subscribe returns a channel of lifecycle events with the given buffer.
// Events that would block are dropped, never delaying the queue.
func (m *Manager) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// drain runs session's entries one at a time until the queue empties, then
// exits. A new drainer is started by the next Inject.
func (m *Manager) drain(session string) {
	for {
		m.mu.Lock()
		sq := m.sessions[session]
		if sq == nil || len(sq.queued) == 0 {
			if sq != nil {
				sq.draining = false
				sq.active = nil
				delete(m.sessions, session)
			}
			m.mu.Unlock()
			return
		}
		e := sq.queued[0]
		sq.queued = sq.queued[1:]
		sq.active = e
		m.mu.Unlock()

		m.publish(Event{Type: EventStart, Session: session})
		e.res, e.err = m.runEntry(e)

		m.mu.Lock()
		sq.active = nil
		m.mu.Unlock()

		switch {
		case e.err == nil:
			m.publish(Event{Type: EventComplete, Session: session})
		case errors.Is(e.err, context.Canceled):
			m.publish(Event{Type: EventCancel, Session: session})
		default:
			m.publish(Event{Type: EventError, Session: session, Err: e.err})
		}
		close(e.done)
	}
}

// runEntry invokes the executor, converting a panic into an error so one bad
// entry never kills the session's chain.
func (m *Manager) runEntry(e *entry) (res *types.InjectResult, err error) {
	defer e.cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: executor panic", "session", e.session, "panic", r)
			res, err = nil, fmt.Errorf("queue: executor panic: %v", r)
		}
	}()
	return m.exec(e.ctx, e.session, e.message, e.opts)
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default: // subscriber is slow, drop rather than stall the queue
		}
	}
}
