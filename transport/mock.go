package transport

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/pairsync/presence"
)

// MockHub is an in-memory implementation of the broadcast and presence
// channels for tests and local two-client setups. Clients attached to the
// same hub and room see each other's events and presence, with the same
// no-self-echo behavior the real channels have.
type MockHub struct {
	clients []*MockClient
	mu      sync.Mutex
}

// NewMockHub creates an empty hub.
func NewMockHub() *MockHub {
	return &MockHub{}
}

// Client creates a new client attached to the hub.
func (h *MockHub) Client() *MockClient {
	c := &MockClient{hub: h}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

func (h *MockHub) broadcast(from *MockClient, room string, ev Event) {
	h.mu.Lock()
	targets := make([]EventHandler, 0, len(h.clients))
	for _, c := range h.clients {
		c.mu.Lock()
		if c != from && c.subscribed && c.room == room && c.handler != nil {
			targets = append(targets, c.handler)
		}
		c.mu.Unlock()
	}
	h.mu.Unlock()

	for _, handler := range targets {
		handler(ev)
	}
}

func (h *MockHub) syncPresence(room string) {
	h.mu.Lock()
	members := make([]presence.Member, 0)
	var targets []SnapshotHandler
	for _, c := range h.clients {
		c.mu.Lock()
		if c.tracked && c.room == room {
			members = append(members, c.self)
		}
		if c.room == room && c.syncHandler != nil {
			targets = append(targets, c.syncHandler)
		}
		c.mu.Unlock()
	}
	h.mu.Unlock()

	for _, handler := range targets {
		snapshot := make([]presence.Member, len(members))
		copy(snapshot, members)
		handler(snapshot)
	}
}

// MockClient implements Broadcast and Presence against a MockHub.
type MockClient struct {
	hub *MockHub

	room          string
	handler       EventHandler
	statusHandler StatusHandler
	syncHandler   SnapshotHandler
	self          presence.Member
	subscribed    bool
	tracked       bool

	sendErr   error
	dropSends bool

	sent []Event

	mu sync.Mutex
}

// Subscribe implements Broadcast.
func (c *MockClient) Subscribe(_ context.Context, room string, handler EventHandler) error {
	c.mu.Lock()
	c.room = room
	c.handler = handler
	c.subscribed = true
	status := c.statusHandler
	c.mu.Unlock()

	if status != nil {
		status(true)
	}
	return nil
}

// Send implements Broadcast. The event is recorded even when delivery is
// suppressed, so tests can assert on the outbound stream.
func (c *MockClient) Send(_ context.Context, room string, ev Event) error {
	c.mu.Lock()
	c.sent = append(c.sent, ev)
	err := c.sendErr
	drop := c.dropSends
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if !drop {
		c.hub.broadcast(c, room, ev)
	}
	return nil
}

// OnStatus implements Broadcast.
func (c *MockClient) OnStatus(handler StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandler = handler
}

// Unsubscribe implements Broadcast.
func (c *MockClient) Unsubscribe() error {
	c.mu.Lock()
	c.subscribed = false
	c.handler = nil
	c.mu.Unlock()
	return nil
}

// Track implements Presence.
func (c *MockClient) Track(_ context.Context, room string, self presence.Member) error {
	c.mu.Lock()
	c.room = room
	c.self = self
	c.self.OnlineAt = time.Now().UTC().Format(time.RFC3339Nano)
	if self.OnlineAt != "" {
		c.self.OnlineAt = self.OnlineAt
	}
	c.tracked = true
	c.mu.Unlock()

	c.hub.syncPresence(room)
	return nil
}

// OnSync implements Presence.
func (c *MockClient) OnSync(handler SnapshotHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncHandler = handler
}

// Untrack implements Presence.
func (c *MockClient) Untrack(_ context.Context) error {
	c.mu.Lock()
	c.tracked = false
	room := c.room
	c.mu.Unlock()

	if room != "" {
		c.hub.syncPresence(room)
	}
	return nil
}

// SetSendError makes subsequent Sends fail, simulating a broadcast channel
// that rejects the publish.
func (c *MockClient) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetDropSends silently drops deliveries while still acknowledging them,
// simulating the at-most-once channel losing events in flight.
func (c *MockClient) SetDropSends(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropSends = drop
}

// Sent returns a copy of every event this client attempted to send.
func (c *MockClient) Sent() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.sent))
	copy(out, c.sent)
	return out
}

// Disconnect simulates the stream dropping: the status handler observes the
// closure, and no events are delivered until Reconnect.
func (c *MockClient) Disconnect() {
	c.mu.Lock()
	c.subscribed = false
	status := c.statusHandler
	c.mu.Unlock()

	if status != nil {
		status(false)
	}
}

// Reconnect restores a dropped stream.
func (c *MockClient) Reconnect() {
	c.mu.Lock()
	c.subscribed = c.handler != nil
	status := c.statusHandler
	c.mu.Unlock()

	if status != nil {
		status(true)
	}
}

// MockFeed is an in-memory ChangeFeed driven by tests.
type MockFeed struct {
	handler       FeedHandler
	statusHandler StatusHandler
	mu            sync.Mutex
}

// NewMockFeed creates a MockFeed.
func NewMockFeed() *MockFeed {
	return &MockFeed{}
}

// Subscribe implements ChangeFeed.
func (f *MockFeed) Subscribe(_ context.Context, handler FeedHandler) error {
	f.mu.Lock()
	f.handler = handler
	status := f.statusHandler
	f.mu.Unlock()

	if status != nil {
		status(true)
	}
	return nil
}

// OnStatus implements ChangeFeed.
func (f *MockFeed) OnStatus(handler StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHandler = handler
}

// Close implements ChangeFeed.
func (f *MockFeed) Close() error {
	f.mu.Lock()
	f.handler = nil
	f.mu.Unlock()
	return nil
}

// Emit delivers a notification to the subscriber, if any.
func (f *MockFeed) Emit(ev FeedEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}
