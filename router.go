package pairsync

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/metrics"
	"github.com/opd-ai/pairsync/presence"
	"github.com/opd-ai/pairsync/store"
	"github.com/opd-ai/pairsync/transport"
)

// handleBroadcastEvent routes one inbound broadcast event. Broadcast is
// advisory: every message it carries is merged through the same upsert as
// the authoritative channels, so duplicates and reordering are harmless.
func (c *Conversation) handleBroadcastEvent(ev transport.Event) {
	metrics.EventsRouted.WithLabelValues("broadcast").Inc()

	switch ev.Type {
	case transport.EventMessage:
		c.handleMessageEvent(ev)
	case transport.EventReadReceipt:
		c.handleReadReceipt(ev)
	case transport.EventTyping, transport.EventStopTyping:
		c.handleTypingEvent(ev)
	default:
		metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleBroadcastEvent",
			"instance": c.instanceID,
			"type":     ev.Type,
		}).Debug("Ignoring unknown broadcast event type")
	}
}

func (c *Conversation) handleMessageEvent(ev transport.Event) {
	msg, err := ev.DecodeMessage()
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleMessageEvent",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Dropping malformed message event")
		return
	}
	if !msg.InvolvesPair(c.selfID, c.peerID) {
		metrics.EventsDropped.WithLabelValues("foreign_pair").Inc()
		return
	}

	c.applyMessage(msg)
}

// applyMessage merges a message that arrived over a channel. A message from
// the peer clears their typing indicator and counts as activity.
func (c *Conversation) applyMessage(msg store.Message) {
	_, existed := c.store.Get(msg.ID)
	merged, changed, err := c.store.Upsert(msg, store.DeliverySent)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return
	}

	if merged.SenderID == c.peerID {
		c.tracker.NoteStopTyping()
		c.tracker.NoteActivity()
		c.rememberPeerActivity(merged.CreatedAt)
	}
	switch {
	case !existed:
		metrics.Upserts.WithLabelValues("insert").Inc()
		c.notifyMessages()
	case changed:
		metrics.Upserts.WithLabelValues("merge").Inc()
		c.notifyMessages()
	default:
		metrics.Upserts.WithLabelValues("noop").Inc()
	}
}

func (c *Conversation) handleReadReceipt(ev transport.Event) {
	identity, err := ev.DecodeSignal()
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if identity != c.peerID {
		metrics.EventsDropped.WithLabelValues("foreign_pair").Inc()
		return
	}

	// The peer read the conversation: every message the local user sent is
	// now read. The flip is monotonic, so replays are no-ops.
	c.tracker.NoteActivity()
	if c.store.MarkReadBySender(c.selfID) > 0 {
		c.notifyMessages()
	}
}

func (c *Conversation) handleTypingEvent(ev transport.Event) {
	identity, err := ev.DecodeSignal()
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if identity != c.peerID {
		metrics.EventsDropped.WithLabelValues("foreign_pair").Inc()
		return
	}

	if ev.Type == transport.EventTyping {
		c.tracker.NoteTyping()
	} else {
		c.tracker.NoteStopTyping()
	}
}

// handleFeedEvent routes one change-feed notification. The feed is
// authoritative: inserts and updates merge the carried row, deletes remove
// by ID, and any notification that lost its payload triggers a full
// resynchronization instead of guessing.
func (c *Conversation) handleFeedEvent(ev transport.FeedEvent) {
	metrics.EventsRouted.WithLabelValues("feed").Inc()

	switch ev.Action {
	case transport.FeedInsert, transport.FeedUpdate:
		if ev.Message == nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFeedEvent",
				"instance": c.instanceID,
				"action":   ev.Action,
				"id":       ev.ID,
			}).Info("Feed notification without payload, resynchronizing")
			go c.reconcile(c.generation.Add(1))
			return
		}
		if !ev.Message.InvolvesPair(c.selfID, c.peerID) {
			metrics.EventsDropped.WithLabelValues("foreign_pair").Inc()
			return
		}
		c.applyMessage(*ev.Message)

	case transport.FeedDelete:
		if ev.ID == "" {
			logrus.WithFields(logrus.Fields{
				"function": "handleFeedEvent",
				"instance": c.instanceID,
			}).Info("Delete notification without id, resynchronizing")
			go c.reconcile(c.generation.Add(1))
			return
		}
		c.mu.Lock()
		delete(c.hidden, ev.ID)
		c.mu.Unlock()
		// A deleted row's hide marker must not outlive the row, or it
		// reloads on the next session.
		if dc := c.opts.Cache; dc != nil {
			if err := dc.Unhide(c.selfID, ev.ID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleFeedEvent",
					"instance": c.instanceID,
					"id":       ev.ID,
					"error":    err,
				}).Warn("Hide marker cleanup failed")
			}
		}
		if c.store.Remove(ev.ID) {
			c.notifyMessages()
		}

	default:
		metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
	}
}

// handlePresenceSnapshot applies a full membership snapshot. Snapshots
// carry complete state, so a peer missing from the member set is offline
// regardless of what earlier snapshots said.
func (c *Conversation) handlePresenceSnapshot(members []presence.Member) {
	metrics.EventsRouted.WithLabelValues("presence").Inc()
	c.tracker.ApplySnapshot(members)
	c.persistLastSeen()
}

// rememberPeerActivity advances the tracker's last-active time from a
// message timestamp, then persists it.
func (c *Conversation) rememberPeerActivity(createdAt string) {
	m := store.Message{CreatedAt: createdAt}
	if at, ok := m.CreatedTime(); ok {
		c.tracker.SetLastActiveAt(at)
	}
	c.persistLastSeen()
}

// persistLastSeen writes the peer's last-active time to the device cache so
// "last seen" survives restarts.
func (c *Conversation) persistLastSeen() {
	dc := c.opts.Cache
	if dc == nil {
		return
	}
	at := c.tracker.LastActiveAt()
	if at.IsZero() {
		return
	}
	if err := dc.SetLastSeen(c.peerID, at.UTC().Format(time.RFC3339Nano)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistLastSeen",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Last-seen persist failed")
	}
}
