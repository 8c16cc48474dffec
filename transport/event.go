package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/pairsync/store"
)

// Event types carried over the broadcast channel.
const (
	// EventMessage carries a full message body.
	EventMessage = "msg"
	// EventReadReceipt announces that the sender of the event has read the
	// conversation.
	EventReadReceipt = "read_receipt"
	// EventTyping and EventStopTyping are the ephemeral typing signals.
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)

// ErrUnknownEventType is returned when decoding an event whose type this
// engine does not understand.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is the broadcast wire envelope: a type tag plus a type-specific
// payload.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalPayload is the payload of read-receipt and typing events: just the
// identity that produced the signal.
type SignalPayload struct {
	Identity string `json:"identity"`
}

// NewMessageEvent wraps a message into a broadcast event.
func NewMessageEvent(m store.Message) (Event, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Event{}, fmt.Errorf("encode message payload: %w", err)
	}
	return Event{Type: EventMessage, Payload: raw}, nil
}

// NewSignalEvent wraps an identity signal (read receipt, typing,
// stop-typing) into a broadcast event.
func NewSignalEvent(eventType, identity string) (Event, error) {
	switch eventType {
	case EventReadReceipt, EventTyping, EventStopTyping:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	raw, err := json.Marshal(SignalPayload{Identity: store.NormalizeIdentity(identity)})
	if err != nil {
		return Event{}, fmt.Errorf("encode signal payload: %w", err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// DecodeMessage extracts the message payload of an EventMessage.
func (e Event) DecodeMessage() (store.Message, error) {
	if e.Type != EventMessage {
		return store.Message{}, fmt.Errorf("%w: %q is not a message event", ErrUnknownEventType, e.Type)
	}
	var m store.Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return store.Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	return m, nil
}

// DecodeSignal extracts the identity of a signal event.
func (e Event) DecodeSignal() (string, error) {
	var p SignalPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", fmt.Errorf("decode signal payload: %w", err)
	}
	return store.NormalizeIdentity(p.Identity), nil
}
