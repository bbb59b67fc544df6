package canvas

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(topic string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func TestPushRemoveReset(t *testing.T) {
	pub := &recorder{}
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	b := New(WithPublisher(pub), WithClock(func() time.Time { return now }))

	a := b.Push("main", "<b>one</b>")
	c := b.Push("main", "<b>two</b>")
	b.Push("other", "<i>elsewhere</i>")

	if a.ID == c.ID || a.CreatedAt != now.UnixMilli() {
		t.Errorf("items = %+v / %+v", a, c)
	}
	if got := b.Snapshot("main"); len(got) != 2 || got[0].HTML != "<b>one</b>" {
		t.Errorf("snapshot = %+v, want push order", got)
	}

	if !b.Remove("main", a.ID) {
		t.Error("remove reported nothing removed")
	}
	if b.Remove("main", a.ID) {
		t.Error("second remove of the same id succeeded")
	}
	if got := b.Snapshot("main"); len(got) != 1 || got[0].ID != c.ID {
		t.Errorf("snapshot after remove = %+v", got)
	}

	b.Reset("main")
	if got := b.Snapshot("main"); len(got) != 0 {
		t.Errorf("snapshot after reset = %+v", got)
	}
	// The other session's board is untouched.
	if got := b.Snapshot("other"); len(got) != 1 {
		t.Errorf("other session = %+v", got)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, topic := range pub.topics[:2] {
		if topic != "instance:main:canvas" {
			t.Errorf("published to %q", topic)
		}
	}
	if len(pub.topics) != 5 {
		t.Errorf("published %d events, want 5 (3 pushes, 1 remove, 1 reset)", len(pub.topics))
	}
}

func TestPageContainsSnapshotAndTopic(t *testing.T) {
	b := New()
	item := b.Push("main", "<b>hi</b>")

	page := b.Page("main", "tok")
	if !strings.Contains(page, item.ID) || !strings.Contains(page, "<b>hi</b>") {
		t.Error("page missing the snapshot")
	}
	if !strings.Contains(page, ":canvas") {
		t.Error("page does not subscribe to the canvas topic")
	}
}
