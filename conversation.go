package pairsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/pairsync/metrics"
	"github.com/opd-ai/pairsync/presence"
	"github.com/opd-ai/pairsync/store"
	"github.com/opd-ai/pairsync/transport"
)

// SyncStatus is the conversation's synchronization state as surfaced to the
// user interface.
type SyncStatus uint8

const (
	// StatusConnecting means at least one channel is down or the first
	// authoritative fetch has not completed yet.
	StatusConnecting SyncStatus = iota
	// StatusSynced means all channels are up and the latest authoritative
	// fetch succeeded.
	StatusSynced
	// StatusError means the latest authoritative fetch failed while the
	// channels were nominally up.
	StatusError
)

// String returns a human-readable name for the status.
func (s SyncStatus) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusError:
		return "error"
	default:
		return "connecting"
	}
}

// Callback types surfaced by a Conversation.
type (
	// MessagesCallback fires after any change to the message collection.
	// Consumers re-read the collection via Messages or VisibleMessages.
	MessagesCallback func()
	// SyncStatusCallback fires on synchronization status transitions.
	SyncStatusCallback func(status SyncStatus)
	// PresenceCallback fires when the peer's online state or last-active
	// time changes.
	PresenceCallback func(online bool, lastActiveAt time.Time)
	// TypingCallback fires when the peer's typing indicator toggles.
	TypingCallback func(typing bool)
)

// Conversation synchronizes one two-party message history across the
// broadcast, change-feed and presence channels, reconciling them into a
// single collection the interface renders from.
type Conversation struct {
	opts       *Options
	instanceID string

	selfID string
	peerID string
	room   string

	store   *store.Store
	tracker *presence.Tracker

	// generation invalidates in-flight reconciliations: completions tagged
	// with an older value are discarded.
	generation atomic.Uint64

	mu           sync.Mutex
	status       SyncStatus
	statusKnown  bool
	broadcastUp  bool
	feedUp       bool
	attached     bool
	closed       bool
	debounce     *time.Timer
	hidden       map[string]bool
	sendTimers   map[string]*time.Timer
	typingActive bool
	typingIdle   *time.Timer

	typingLimiter *rate.Limiter

	messagesCB MessagesCallback
	statusCB   SyncStatusCallback

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Conversation from the given options. The conversation is
// inert until Attach; state cached on this device (message snapshot, hide
// markers, peer last-seen) is loaded immediately so the interface has
// something to render before the first fetch.
func New(options *Options) (*Conversation, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	selfID := store.NormalizeIdentity(options.SelfID)
	peerID := store.NormalizeIdentity(options.PeerID)
	room := transport.RoomKey(selfID, peerID)

	c := &Conversation{
		opts:       options,
		instanceID: uuid.NewString(),
		selfID:     selfID,
		peerID:     peerID,
		room:       room,
		store:      store.New(),
		tracker:    presence.NewTracker(peerID),
		hidden:     make(map[string]bool),
		sendTimers: make(map[string]*time.Timer),
		// Typing announcements are throttled to one per second.
		typingLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if options.TypingTimeout > 0 {
		c.tracker.SetTypingTimeout(options.TypingTimeout)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.loadDeviceState()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"instance": c.instanceID,
		"self":     selfID,
		"peer":     peerID,
		"room":     room,
	}).Info("Created conversation")

	return c, nil
}

// loadDeviceState seeds the in-memory state from the device cache.
func (c *Conversation) loadDeviceState() {
	dc := c.opts.Cache
	if dc == nil {
		return
	}

	if hidden, err := dc.HiddenIDs(c.selfID); err == nil {
		c.hidden = hidden
	}
	if snapshot, err := dc.LoadSnapshot(c.selfID, c.peerID); err == nil {
		for _, m := range snapshot {
			c.store.Upsert(m, store.DeliverySent)
		}
	}
	if at, err := dc.LastSeen(c.peerID); err == nil && at != "" {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			c.tracker.SetLastActiveAt(t)
		}
	}
}

// Room returns the deterministic channel key shared by both parties.
func (c *Conversation) Room() string {
	return c.room
}

// SelfID returns the normalized local identity.
func (c *Conversation) SelfID() string {
	return c.selfID
}

// PeerID returns the normalized remote identity.
func (c *Conversation) PeerID() string {
	return c.peerID
}

// OnMessagesChanged registers the collection-change callback. Register
// before Attach.
func (c *Conversation) OnMessagesChanged(cb MessagesCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesCB = cb
}

// OnSyncStatus registers the status callback. Register before Attach.
func (c *Conversation) OnSyncStatus(cb SyncStatusCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCB = cb
}

// OnPresence registers the peer presence callback. Register before Attach.
func (c *Conversation) OnPresence(cb PresenceCallback) {
	c.tracker.OnStateChange(presence.StateCallback(cb))
}

// OnTyping registers the peer typing callback. Register before Attach.
func (c *Conversation) OnTyping(cb TypingCallback) {
	c.tracker.OnTypingChange(presence.TypingCallback(cb))
}

// Attach connects every channel and starts the first reconciliation.
// Channel drops after Attach are handled internally: the transports redial
// on their own, and each recovery triggers a fresh authoritative fetch.
func (c *Conversation) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.attached {
		c.mu.Unlock()
		return nil
	}
	c.attached = true
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	c.opts.Broadcast.OnStatus(func(connected bool) {
		c.handleChannelStatus("broadcast", connected)
	})
	c.opts.Feed.OnStatus(func(connected bool) {
		c.handleChannelStatus("feed", connected)
	})
	c.opts.Presence.OnSync(c.handlePresenceSnapshot)

	if err := c.opts.Broadcast.Subscribe(ctx, c.room, c.handleBroadcastEvent); err != nil {
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
		return err
	}
	if err := c.opts.Feed.Subscribe(ctx, c.handleFeedEvent); err != nil {
		if uerr := c.opts.Broadcast.Unsubscribe(); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Attach",
				"instance": c.instanceID,
				"error":    uerr,
			}).Warn("Broadcast unsubscribe failed during attach rollback")
		}
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
		return err
	}
	if err := c.trackSelf(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Attach",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Presence track failed, continuing without")
	}

	c.mu.Lock()
	c.broadcastUp = true
	c.feedUp = true
	c.mu.Unlock()

	go c.reconcile(c.generation.Add(1))
	return nil
}

// trackSelf (re-)announces the local member with a fresh activity
// timestamp.
func (c *Conversation) trackSelf(ctx context.Context) error {
	return c.opts.Presence.Track(ctx, c.room, presence.Member{
		Identity: c.selfID,
		OnlineAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Resume forces a full resynchronization: fresh authoritative fetch plus a
// presence re-track. Call on application foreground or resume, where timers
// and sockets may have been frozen for an arbitrary interval.
func (c *Conversation) Resume(ctx context.Context) {
	c.mu.Lock()
	if c.closed || !c.attached {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Resume",
		"instance": c.instanceID,
	}).Info("Resuming conversation")

	if err := c.trackSelf(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resume",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Presence re-track failed")
	}
	go c.reconcile(c.generation.Add(1))
}

// Close tears down every channel and releases the conversation. Idempotent.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.typingIdle != nil {
		c.typingIdle.Stop()
		c.typingIdle = nil
	}
	for _, timer := range c.sendTimers {
		timer.Stop()
	}
	attached := c.attached
	c.mu.Unlock()

	// Invalidate in-flight reconciliations.
	c.generation.Add(1)
	c.cancel()
	c.tracker.Close()

	if attached {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.opts.Presence.Untrack(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"instance": c.instanceID,
				"error":    err,
			}).Warn("Presence untrack failed")
		}
		if err := c.opts.Broadcast.Unsubscribe(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"instance": c.instanceID,
				"error":    err,
			}).Warn("Broadcast unsubscribe failed")
		}
		if err := c.opts.Feed.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"instance": c.instanceID,
				"error":    err,
			}).Warn("Feed close failed")
		}
	}

	c.saveSnapshot()
	return nil
}

// Status returns the current synchronization status.
func (c *Conversation) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// PeerOnline reports whether the peer appeared in the latest presence
// snapshot.
func (c *Conversation) PeerOnline() bool {
	return c.tracker.Online()
}

// PeerTyping reports whether the peer's typing indicator is lit.
func (c *Conversation) PeerTyping() bool {
	return c.tracker.Typing()
}

// PeerLastActive returns the most recent known activity time of the peer.
func (c *Conversation) PeerLastActive() time.Time {
	return c.tracker.LastActiveAt()
}

// Messages returns the full timeline, hide markers included.
func (c *Conversation) Messages() []store.Message {
	return c.store.Snapshot()
}

// VisibleMessages returns the timeline with locally hidden messages
// filtered out. This is what the interface renders.
func (c *Conversation) VisibleMessages() []store.Message {
	snapshot := c.store.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hidden) == 0 {
		return snapshot
	}
	out := snapshot[:0]
	for _, m := range snapshot {
		if !c.hidden[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// HideMessage hides a message on this device only. The message stays in
// the durable store and on the peer's device.
func (c *Conversation) HideMessage(id string) error {
	c.mu.Lock()
	c.hidden[id] = true
	c.mu.Unlock()

	if dc := c.opts.Cache; dc != nil {
		if err := dc.Hide(c.selfID, id); err != nil {
			return err
		}
	}
	c.notifyMessages()
	return nil
}

// UnhideMessage reverses HideMessage. Unhiding an ID that was never hidden
// succeeds.
func (c *Conversation) UnhideMessage(id string) error {
	c.mu.Lock()
	delete(c.hidden, id)
	c.mu.Unlock()

	if dc := c.opts.Cache; dc != nil {
		if err := dc.Unhide(c.selfID, id); err != nil {
			return err
		}
	}
	c.notifyMessages()
	return nil
}

// ClearHidden removes every local hide marker, restoring the full timeline.
func (c *Conversation) ClearHidden() error {
	c.mu.Lock()
	c.hidden = make(map[string]bool)
	c.mu.Unlock()

	if dc := c.opts.Cache; dc != nil {
		if err := dc.ClearHidden(c.selfID); err != nil {
			return err
		}
	}
	c.notifyMessages()
	return nil
}

// setStatus publishes a status transition, deduplicating repeats.
func (c *Conversation) setStatus(status SyncStatus) {
	c.mu.Lock()
	if c.statusKnown && c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.statusKnown = true
	cb := c.statusCB
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setStatus",
		"instance": c.instanceID,
		"status":   status.String(),
	}).Info("Sync status changed")

	if cb != nil {
		cb(status)
	}
}

// notifyMessages fires the collection-change callback.
func (c *Conversation) notifyMessages() {
	c.mu.Lock()
	cb := c.messagesCB
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// handleChannelStatus reacts to broadcast and feed connectivity
// transitions. Any drop schedules the connecting indicator after the
// debounce interval; full recovery bumps the generation and starts a fresh
// reconciliation.
func (c *Conversation) handleChannelStatus(channel string, connected bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasUp := c.broadcastUp && c.feedUp
	switch channel {
	case "broadcast":
		c.broadcastUp = connected
	case "feed":
		c.feedUp = connected
	}
	nowUp := c.broadcastUp && c.feedUp

	if wasUp && !nowUp {
		debounce := c.opts.ConnectingDebounce
		if c.debounce != nil {
			c.debounce.Stop()
		}
		c.debounce = time.AfterFunc(debounce, func() {
			c.mu.Lock()
			stillDown := !(c.broadcastUp && c.feedUp) && !c.closed
			c.mu.Unlock()
			if stillDown {
				c.setStatus(StatusConnecting)
			}
		})
	}
	if !wasUp && nowUp {
		if c.debounce != nil {
			c.debounce.Stop()
			c.debounce = nil
		}
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleChannelStatus",
		"instance":  c.instanceID,
		"channel":   channel,
		"connected": connected,
	}).Info("Channel status changed")

	if !wasUp && nowUp {
		metrics.Reconnects.WithLabelValues(channel).Inc()
		go c.reconcile(c.generation.Add(1))
	}
}

// saveSnapshot persists the current collection to the device cache for
// instant display on the next start.
func (c *Conversation) saveSnapshot() {
	dc := c.opts.Cache
	if dc == nil {
		return
	}
	if err := dc.SaveSnapshot(c.selfID, c.peerID, c.store.Snapshot()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "saveSnapshot",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Snapshot save failed")
	}
}
