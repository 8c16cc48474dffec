package store

import (
	"strings"
	"time"
)

// DeliveryState represents the local-only delivery lifecycle of a message.
// It is never persisted to the durable store and never crosses a channel
// boundary as authoritative data.
type DeliveryState uint8

const (
	// DeliveryUnknown means the event did not supply a delivery state.
	DeliveryUnknown DeliveryState = iota
	// DeliverySending means the local user committed a send that no channel
	// has confirmed yet.
	DeliverySending
	// DeliverySent means at least one channel confirmed the message: either
	// the broadcast acknowledged the send or the durable write completed.
	DeliverySent
	// DeliveryError means the durable write failed before any channel
	// confirmed the message. Terminal except for authoritative correction.
	DeliveryError
)

// String returns a human-readable name for the delivery state.
func (s DeliveryState) String() string {
	switch s {
	case DeliverySending:
		return "sending"
	case DeliverySent:
		return "sent"
	case DeliveryError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is the unit of conversation history. The ID is assigned by the
// sender at creation time and serves as the idempotency key across every
// synchronization channel.
//
// The payload fields are not mutually exclusive: the engine tolerates events
// that set more than one of Text, ImageURL and AudioURL.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	AudioURL   string `json:"audio_url,omitempty"`
	CreatedAt  string `json:"created_at"`
	IsRead     bool   `json:"is_read"`

	// DeliveryState is local-only and excluded from every wire format.
	DeliveryState DeliveryState `json:"-"`
}

// NormalizeIdentity canonicalizes an identity value so comparisons are
// stable across channels that disagree about case or whitespace.
func NormalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// CreatedTime parses the message's creation timestamp. The second return
// value reports whether the timestamp was parsable.
func (m *Message) CreatedTime() (time.Time, bool) {
	if m.CreatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// InvolvesPair reports whether the message is addressed between the two
// given identities, in either direction. Identities are normalized before
// comparison; the channel's own filtering is not trusted as sufficient.
func (m *Message) InvolvesPair(a, b string) bool {
	s := NormalizeIdentity(m.SenderID)
	r := NormalizeIdentity(m.ReceiverID)
	a = NormalizeIdentity(a)
	b = NormalizeIdentity(b)
	return (s == a && r == b) || (s == b && r == a)
}
