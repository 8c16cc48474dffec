package pairsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/metrics"
	"github.com/opd-ai/pairsync/store"
	"github.com/opd-ai/pairsync/transport"
)

// ErrEmptyMessage is returned when a send carries no content.
var ErrEmptyMessage = errors.New("empty message")

// SendText commits a text message. The message appears in the collection
// immediately with state Sending; the conversation then confirms it over
// the broadcast fast path and the durable truth path in the background.
// The returned message is the optimistic entry.
func (c *Conversation) SendText(ctx context.Context, text string) (store.Message, error) {
	if text == "" {
		return store.Message{}, ErrEmptyMessage
	}
	return c.send(ctx, store.Message{Text: text})
}

// SendImage uploads the image blob through the media store and commits a
// message referencing it.
func (c *Conversation) SendImage(ctx context.Context, name string, data []byte) (store.Message, error) {
	url, err := c.uploadMedia(ctx, name, data)
	if err != nil {
		return store.Message{}, err
	}
	return c.send(ctx, store.Message{ImageURL: url})
}

// SendAudio uploads the audio blob through the media store and commits a
// message referencing it.
func (c *Conversation) SendAudio(ctx context.Context, name string, data []byte) (store.Message, error) {
	url, err := c.uploadMedia(ctx, name, data)
	if err != nil {
		return store.Message{}, err
	}
	return c.send(ctx, store.Message{AudioURL: url})
}

func (c *Conversation) uploadMedia(ctx context.Context, name string, data []byte) (string, error) {
	if c.opts.Media == nil {
		return "", ErrNoMediaStore
	}
	url, err := c.opts.Media.Upload(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return url, nil
}

// send runs the optimistic commit: assign the ID and timestamp, insert the
// message as Sending, then confirm asynchronously.
func (c *Conversation) send(ctx context.Context, msg store.Message) (store.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return store.Message{}, ErrClosed
	}
	c.mu.Unlock()

	msg.ID = ulid.Make().String()
	msg.SenderID = c.selfID
	msg.ReceiverID = c.peerID
	msg.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	msg.DeliveryState = store.DeliverySending

	optimistic, _, err := c.store.Upsert(msg, store.DeliverySending)
	if err != nil {
		return store.Message{}, err
	}
	c.notifyMessages()
	c.noteLocalActivity()
	c.armSendTimeout(msg.ID)

	go c.confirm(msg)
	return optimistic, nil
}

// confirm runs the two delivery paths for one send. The broadcast
// acknowledgment is the fast path: it alone is enough to show Sent. The
// durable insert is the truth path: its success always confirms the
// message, and its failure produces Error only when the fast path also
// failed.
func (c *Conversation) confirm(msg store.Message) {
	ctx := c.ctx

	event, err := transport.NewMessageEvent(msg)
	broadcastOK := false
	if err == nil {
		broadcastOK = c.opts.Broadcast.Send(ctx, c.room, event) == nil
	}
	if broadcastOK {
		c.settle(msg.ID, store.DeliverySent)
	}

	stored, insertErr := c.opts.Durable.Insert(ctx, msg)
	if insertErr == nil {
		stored.DeliveryState = store.DeliverySent
		if _, changed, err := c.store.Upsert(stored, store.DeliverySent); err == nil && changed {
			c.notifyMessages()
		}
		metrics.MessagesSent.WithLabelValues("sent").Inc()
		c.clearSendTimeout(msg.ID)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "confirm",
		"instance": c.instanceID,
		"id":       msg.ID,
		"error":    insertErr,
	}).Error("Durable insert failed")

	if broadcastOK {
		// The peer already received the message; the next reconciliation
		// or retry will restore durability. Sent stands.
		metrics.MessagesSent.WithLabelValues("sent").Inc()
		c.clearSendTimeout(msg.ID)
		return
	}
	c.settle(msg.ID, store.DeliveryError)
	metrics.MessagesSent.WithLabelValues("error").Inc()
	c.clearSendTimeout(msg.ID)
}

// settle moves a message's delivery state through the no-regression merge.
func (c *Conversation) settle(id string, state store.DeliveryState) {
	existing, ok := c.store.Get(id)
	if !ok {
		return
	}
	existing.DeliveryState = state
	if _, changed, err := c.store.Upsert(existing, state); err == nil && changed {
		c.notifyMessages()
	}
}

// armSendTimeout starts the optional watchdog that fails a send stuck in
// Sending. Disabled when SendTimeout is zero.
func (c *Conversation) armSendTimeout(id string) {
	timeout := c.opts.SendTimeout
	if timeout <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sendTimers[id] = time.AfterFunc(timeout, func() {
		c.clearSendTimeout(id)
		if m, ok := c.store.Get(id); ok && m.DeliveryState == store.DeliverySending {
			logrus.WithFields(logrus.Fields{
				"function": "armSendTimeout",
				"instance": c.instanceID,
				"id":       id,
			}).Warn("Send confirmation timed out")
			c.settle(id, store.DeliveryError)
			metrics.MessagesSent.WithLabelValues("error").Inc()
		}
	})
}

func (c *Conversation) clearSendTimeout(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.sendTimers[id]; ok {
		timer.Stop()
		delete(c.sendTimers, id)
	}
}

// Typing announces that the local user is typing. Announcements are
// throttled to one per second no matter how often this is called; an idle
// stop goes out automatically after the user pauses.
func (c *Conversation) Typing(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.typingActive = true
	c.armTypingIdleStop()
	allowed := c.typingLimiter.Allow()
	c.mu.Unlock()

	if !allowed {
		return
	}
	c.sendSignal(ctx, transport.EventTyping)
}

// StopTyping announces that the local user stopped typing. Safe to call
// when no typing announcement is outstanding.
func (c *Conversation) StopTyping(ctx context.Context) {
	c.mu.Lock()
	wasActive := c.typingActive
	c.typingActive = false
	if c.typingIdle != nil {
		c.typingIdle.Stop()
		c.typingIdle = nil
	}
	c.mu.Unlock()

	if !wasActive {
		return
	}
	c.sendSignal(ctx, transport.EventStopTyping)
}

// armTypingIdleStop re-arms the idle watchdog. Caller holds c.mu.
func (c *Conversation) armTypingIdleStop() {
	idle := c.opts.TypingIdleStop
	if idle <= 0 {
		return
	}
	if c.typingIdle != nil {
		c.typingIdle.Stop()
	}
	c.typingIdle = time.AfterFunc(idle, func() {
		c.StopTyping(c.ctx)
	})
}

// MarkRead flips every unread message from the peer to read, mirrors the
// flip to the durable store, and announces a read receipt so the peer's
// interface updates without waiting for its change feed.
func (c *Conversation) MarkRead(ctx context.Context) error {
	if c.store.MarkReadBySender(c.peerID) > 0 {
		c.notifyMessages()
	}

	if err := c.opts.Durable.UpdateReadFlag(ctx, c.selfID, c.peerID); err != nil {
		return fmt.Errorf("persist read flags: %w", err)
	}
	c.sendSignal(ctx, transport.EventReadReceipt)
	return nil
}

// sendSignal publishes an identity signal over the broadcast channel.
// Signals are advisory, so failures are logged and dropped.
func (c *Conversation) sendSignal(ctx context.Context, eventType string) {
	event, err := transport.NewSignalEvent(eventType, c.selfID)
	if err != nil {
		return
	}
	if err := c.opts.Broadcast.Send(ctx, c.room, event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendSignal",
			"instance": c.instanceID,
			"type":     eventType,
			"error":    err,
		}).Debug("Signal send failed")
	}
}

// noteLocalActivity refreshes the local member's self-reported timestamp.
func (c *Conversation) noteLocalActivity() {
	go func() {
		if err := c.trackSelf(c.ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "noteLocalActivity",
				"instance": c.instanceID,
				"error":    err,
			}).Debug("Presence refresh failed")
		}
	}()
}
