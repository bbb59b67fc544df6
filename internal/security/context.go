package security

import (
	"sync"
	"time"

	"github.com/wopr-network/wopr/pkg/types"
)

// AccessEvent records one policy check made while an injection was in flight.
type AccessEvent struct {
	Time    time.Time `json:"time"`
	Check   string    `json:"check"`
	Target  string    `json:"target,omitempty"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
}

// SecurityContext is the per-injection security state. The executor stores
// one on entry and is guaranteed to clear it on every exit path.
type SecurityContext struct {
	InjectID  string                `json:"injectId"`
	Session   string                `json:"session"`
	Source    types.InjectionSource `json:"source"`
	Policy    *ResolvedPolicy       `json:"policy"`
	StartedAt time.Time             `json:"startedAt"`

	mu     sync.Mutex
	events []AccessEvent
}

// Record appends an access event.
func (c *SecurityContext) Record(ev AccessEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a copy of the recorded access events.
func (c *SecurityContext) Events() []AccessEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AccessEvent, len(c.events))
	copy(out, c.events)
	return out
}

// ContextStore tracks the in-flight SecurityContexts keyed by injection id.
// Safe for concurrent use.
type ContextStore struct {
	mu   sync.Mutex
	live map[string]*SecurityContext
}

// NewContextStore creates an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{live: map[string]*SecurityContext{}}
}

// Set stores the context for its injection id, replacing any previous one.
func (s *ContextStore) Set(sc *SecurityContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[sc.InjectID] = sc
}

// Get returns the context for injectID, or nil.
func (s *ContextStore) Get(injectID string) *SecurityContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[injectID]
}

// Clear removes the context for injectID. Idempotent; reports whether a
// context was present.
func (s *ContextStore) Clear(injectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[injectID]
	delete(s.live, injectID)
	return ok
}

// Count returns the number of in-flight contexts. Used by tests and the
// readiness probe to verify nothing leaks.
func (s *ContextStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
