package transport

import (
	"context"

	"github.com/opd-ai/pairsync/presence"
	"github.com/opd-ai/pairsync/store"
)

// EventHandler receives inbound broadcast events.
type EventHandler func(Event)

// SnapshotHandler receives full presence membership snapshots.
type SnapshotHandler func([]presence.Member)

// StatusHandler receives stream connectivity transitions. connected=false
// means the underlying stream closed or errored; the transport keeps
// reconnecting on its own and reports connected=true again once
// resubscribed.
type StatusHandler func(connected bool)

// Broadcast is the low-latency fan-out channel. Send returns nil exactly
// when the channel acknowledged the event; that acknowledgment is what the
// delivery fast path keys off.
type Broadcast interface {
	// Subscribe opens the broadcast stream for the given room and routes
	// inbound events to handler. Implementations may echo the client's own
	// publishes back to it; consumers must tolerate self-echo.
	Subscribe(ctx context.Context, room string, handler EventHandler) error

	// Send publishes an event to the room.
	Send(ctx context.Context, room string, ev Event) error

	// OnStatus registers the connectivity callback. Must be called before
	// Subscribe.
	OnStatus(handler StatusHandler)

	// Unsubscribe tears the stream down. Idempotent.
	Unsubscribe() error
}

// Presence is the membership channel. Implementations deliver full
// snapshots, never diffs.
type Presence interface {
	// Track announces the local member to the room. Safe to call again to
	// refresh the self-reported timestamp after reconnects or app resume.
	Track(ctx context.Context, room string, self presence.Member) error

	// OnSync registers the snapshot handler. Must be called before Track.
	OnSync(handler SnapshotHandler)

	// Untrack withdraws the local member. Idempotent.
	Untrack(ctx context.Context) error
}

// FeedAction discriminates change-feed notifications.
type FeedAction string

const (
	FeedInsert FeedAction = "insert"
	FeedUpdate FeedAction = "update"
	FeedDelete FeedAction = "delete"
)

// FeedEvent is one change-feed notification. Message is set for inserts and
// updates; deletes carry only the ID, which may be empty when the feed
// could not identify the row (the router answers that with a full resync).
type FeedEvent struct {
	Action  FeedAction     `json:"action"`
	Message *store.Message `json:"message,omitempty"`
	ID      string         `json:"id,omitempty"`
}

// FeedHandler receives change-feed notifications.
type FeedHandler func(FeedEvent)

// ChangeFeed is the authoritative notification stream from the durable
// store.
type ChangeFeed interface {
	// Subscribe opens the feed and routes notifications to handler.
	Subscribe(ctx context.Context, handler FeedHandler) error

	// OnStatus registers the connectivity callback. Must be called before
	// Subscribe.
	OnStatus(handler StatusHandler)

	// Close tears the feed down. Idempotent.
	Close() error
}
