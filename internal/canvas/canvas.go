// Package canvas keeps a per-session board of HTML fragments pushed by the
// model or the owner. State is in-memory only: a restart clears every board.
package canvas

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Item is one pushed fragment.
type Item struct {
	ID        string `json:"id"`
	HTML      string `json:"html"`
	CreatedAt int64  `json:"createdAt"`
}

// Publisher fans canvas mutations out to live observers.
type Publisher interface {
	Publish(topic string, data any)
}

// Board holds the canvases of all sessions.
type Board struct {
	mu    sync.Mutex
	items map[string][]Item
	pub   Publisher
	now   func() time.Time
}

// Option configures a Board.
type Option func(*Board)

// WithPublisher attaches the event fan-out.
func WithPublisher(pub Publisher) Option {
	return func(b *Board) { b.pub = pub }
}

// WithClock injects the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// New creates an empty Board.
func New(opts ...Option) *Board {
	b := &Board{items: map[string][]Item{}, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push appends an HTML fragment to the session's board and returns the item.
func (b *Board) Push(session, html string) Item {
	item := Item{
		ID:        uuid.NewString(),
		HTML:      html,
		CreatedAt: b.now().UnixMilli(),
	}
	b.mu.Lock()
	b.items[session] = append(b.items[session], item)
	b.mu.Unlock()

	b.publish(session, "push", &item)
	return item
}

// Remove deletes one item by id. It reports whether anything was removed.
func (b *Board) Remove(session, id string) bool {
	b.mu.Lock()
	items := b.items[session]
	removed := false
	for i, it := range items {
		if it.ID == id {
			b.items[session] = append(items[:i:i], items[i+1:]...)
			removed = true
			break
		}
	}
	b.mu.Unlock()

	if removed {
		b.publish(session, "remove", &Item{ID: id})
	}
	return removed
}

// Reset clears the session's board.
func (b *Board) Reset(session string) {
	b.mu.Lock()
	delete(b.items, session)
	b.mu.Unlock()

	b.publish(session, "reset", nil)
}

// Snapshot returns the session's items in push order.
func (b *Board) Snapshot(session string) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Item(nil), b.items[session]...)
}

func (b *Board) publish(session, action string, item *Item) {
	if b.pub == nil {
		return
	}
	payload := map[string]any{"action": action}
	if item != nil {
		payload["item"] = item
	}
	b.pub.Publish("instance:"+session+":canvas", payload)
}
