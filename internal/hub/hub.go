// Package hub implements the topic-based WebSocket fan-out layer.
//
// Clients connect via Accept, authenticate with a token, and subscribe to
// hierarchical topics. Publish never blocks: a slow client either drops off
// the send queue or trips the backpressure guard and is disconnected. A
// heartbeat ticker pings clients, zeroes backpressure counters, and reaps
// connections with no activity.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wopr-network/wopr/internal/config"
)

// Protocol message types.
const (
	MsgConnected     = "connected"
	MsgAuth          = "auth"
	MsgAuthenticated = "authenticated"
	MsgSubscribe     = "subscribe"
	MsgSubscribed    = "subscribed"
	MsgUnsubscribe   = "unsubscribe"
	MsgUnsubscribed  = "unsubscribed"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgEvent         = "event"
	MsgError         = "error"
)

// CodeBackpressure is the error code sent before a backpressure disconnect.
const CodeBackpressure = "BACKPRESSURE_DISCONNECT"

// sendQueueDepth is the per-client buffered send queue. A client that cannot
// keep even this much in flight is removed outright.
const sendQueueDepth = 64

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// Message is one protocol frame.
type Message struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Data    any      `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// inbound is the tolerant decode shape for client frames: topic lists may
// contain junk entries which are filtered, not fatal.
type inbound struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Topics   []any  `json:"topics"`
	Sessions []any  `json:"sessions"`
	Session  string `json:"session"`
}

// SubscriptionStats is the observability snapshot.
type SubscriptionStats struct {
	Clients            int `json:"clients"`
	TotalSubscriptions int `json:"totalSubscriptions"`
	Backpressured      int `json:"backpressured"`
}

// Hub is the fan-out registry. Safe for concurrent use.
type Hub struct {
	verifier      TokenVerifier
	heartbeat     time.Duration
	clientTimeout time.Duration
	backpressure  int

	mu            sync.Mutex
	clients       map[*client]struct{}
	backpressured int
}

// Option configures a Hub.
type Option func(*Hub)

// WithVerifier sets the auth token verifier.
func WithVerifier(v TokenVerifier) Option {
	return func(h *Hub) { h.verifier = v }
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithClientTimeout overrides the idle-client reap threshold.
func WithClientTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.clientTimeout = d
		}
	}
}

// WithBackpressureThreshold overrides the per-heartbeat queued-send budget.
func WithBackpressureThreshold(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.backpressure = n
		}
	}
}

// New creates a Hub with the compiled defaults and applies opts.
func New(opts ...Option) *Hub {
	h := &Hub{
		verifier:      StaticVerifier(""),
		heartbeat:     config.DefaultHeartbeatInterval,
		clientTimeout: config.DefaultClientTimeout,
		backpressure:  config.DefaultBackpressureThreshold,
		clients:       map[*client]struct{}{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// client is one connected WebSocket peer.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
	quit chan struct{}

	mu           sync.Mutex
	closing      bool
	final        *Message
	authed       bool
	subs         []string
	pressure     int
	lastActivity time.Time
}

// Accept upgrades the request and serves the connection until the client
// disconnects or is removed. Intended to be mounted as the /ws handler.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host browser clients; auth is token-based
	})
	if err != nil {
		slog.Warn("hub: accept failed", "err", err)
		return
	}

	c := &client{
		hub:          h,
		conn:         conn,
		send:         make(chan Message, sendQueueDepth),
		quit:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.enqueue(Message{Type: MsgConnected})
	c.readPump(r.Context())
	c.close(nil)
}

// Publish fans data out to every authenticated client whose subscriptions
// cover the topic. Never blocks.
func (h *Hub) Publish(topic string, data any) {
	msg := Message{Type: MsgEvent, Topic: topic, Data: data}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	threshold := h.backpressure
	h.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		interested := c.authed && matchesAny(c.subs, topic)
		c.mu.Unlock()
		if !interested {
			continue
		}
		if !c.enqueue(msg) {
			continue
		}

		c.mu.Lock()
		c.pressure++
		over := c.pressure > threshold
		c.mu.Unlock()
		if over {
			slog.Warn("hub: backpressure disconnect")
			h.mu.Lock()
			h.backpressured++
			h.mu.Unlock()
			c.close(&Message{
				Type:    MsgError,
				Code:    CodeBackpressure,
				Message: "client too slow, disconnecting",
			})
		}
	}
}

// Run drives the heartbeat loop until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick sends pings, zeroes backpressure counters, and reaps idle clients.
func (h *Hub) tick() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	now := time.Now()
	for _, c := range targets {
		c.mu.Lock()
		idle := now.Sub(c.lastActivity)
		c.pressure = 0
		c.mu.Unlock()

		if idle > h.clientTimeout {
			slog.Info("hub: reaping idle client", "idle", idle)
			c.close(nil)
			continue
		}
		c.enqueue(Message{Type: MsgPing})
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.close(nil)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscriptionStats returns the observability snapshot. Backpressured counts
// disconnects since start.
func (h *Hub) SubscriptionStats() SubscriptionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := SubscriptionStats{Clients: len(h.clients), Backpressured: h.backpressured}
	for c := range h.clients {
		c.mu.Lock()
		st.TotalSubscriptions += len(c.subs)
		c.mu.Unlock()
	}
	return st
}

// ── client internals ──────────────────────────────────────────────────────────

// enqueue queues a frame without blocking. A full queue removes the client.
// Reports whether the frame was queued.
func (c *client) enqueue(msg Message) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		slog.Warn("hub: send queue full, removing client")
		c.close(nil)
		return false
	}
}

// close tears the client down once. A non-nil final frame is flushed after
// the queued frames, before the socket closes.
func (c *client) close(final *Message) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.final = final
	c.mu.Unlock()

	c.hub.remove(c)
	close(c.quit)
}

// readPump consumes client frames until the connection drops.
func (c *client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch()

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.enqueue(Message{Type: MsgError, Message: "Malformed message"})
			continue
		}
		c.handle(in)
	}
}

func (c *client) handle(in inbound) {
	switch in.Type {
	case MsgAuth:
		if c.hub.verifier.Verify(in.Token) {
			c.mu.Lock()
			c.authed = true
			c.mu.Unlock()
			c.enqueue(Message{Type: MsgAuthenticated})
		} else {
			c.enqueue(Message{Type: MsgError, Message: "Authentication failed"})
		}

	case MsgSubscribe:
		if !c.isAuthed() {
			c.enqueue(Message{Type: MsgError, Message: "Not authenticated"})
			return
		}
		accepted := topicsOf(in)
		c.mu.Lock()
		for _, topic := range accepted {
			if !slices.Contains(c.subs, topic) {
				c.subs = append(c.subs, topic)
			}
		}
		c.mu.Unlock()
		c.enqueue(Message{Type: MsgSubscribed, Topics: accepted})

	case MsgUnsubscribe:
		if !c.isAuthed() {
			c.enqueue(Message{Type: MsgError, Message: "Not authenticated"})
			return
		}
		accepted := topicsOf(in)
		c.mu.Lock()
		c.subs = slices.DeleteFunc(c.subs, func(s string) bool {
			return slices.Contains(accepted, s)
		})
		c.mu.Unlock()
		c.enqueue(Message{Type: MsgUnsubscribed, Topics: accepted})

	case MsgPing:
		c.enqueue(Message{Type: MsgPong})

	case MsgPong:
		// Activity already recorded by the read itself.

	default:
		c.enqueue(Message{Type: MsgError, Message: "Unknown message type"})
	}
}

// topicsOf collects the subscription targets of a frame, filtering junk
// entries. Session shorthand maps to the legacy session:{name} topics.
func topicsOf(in inbound) []string {
	var out []string
	add := func(v any) {
		s, ok := v.(string)
		if !ok || s == "" {
			return
		}
		out = append(out, s)
	}
	for _, v := range in.Topics {
		add(v)
	}
	for _, v := range in.Sessions {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, "session:"+s)
		}
	}
	if in.Session != "" {
		out = append(out, "session:"+in.Session)
	}
	return dedupTopics(out)
}

func dedupTopics(topics []string) []string {
	var out []string
	for _, t := range topics {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// writePump serializes frame writes. On shutdown it flushes the queued
// frames plus the optional final frame, then closes the socket.
func (c *client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				c.close(nil)
				c.conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.quit:
			c.flush()
			return
		}
	}
}

// flush drains the remaining queue and the final frame, then closes.
func (c *client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				c.conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		default:
			c.mu.Lock()
			final := c.final
			c.mu.Unlock()
			if final != nil {
				c.write(*final)
			}
			c.conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
	}
}

func (c *client) write(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("hub: marshal frame", "err", err)
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}
