package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairsync/store"
)

func TestMessageEventRoundTrip(t *testing.T) {
	msg := store.Message{
		ID:         "m1",
		SenderID:   "shoe@example.com",
		ReceiverID: "socks@example.com",
		Text:       "hi",
		CreatedAt:  "2025-06-01T12:00:00Z",
	}

	ev, err := NewMessageEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, ev.Type)

	got, err := ev.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeMessage_WrongType(t *testing.T) {
	ev, err := NewSignalEvent(EventTyping, "socks@example.com")
	require.NoError(t, err)

	_, err = ev.DecodeMessage()
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestSignalEvent_NormalizesIdentity(t *testing.T) {
	ev, err := NewSignalEvent(EventReadReceipt, " SOCKS@Example.com ")
	require.NoError(t, err)

	id, err := ev.DecodeSignal()
	require.NoError(t, err)
	assert.Equal(t, "socks@example.com", id)
}

func TestNewSignalEvent_RejectsUnknownType(t *testing.T) {
	_, err := NewSignalEvent("ping", "socks@example.com")
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDeliveryStateNeverOnWire(t *testing.T) {
	msg := store.Message{
		ID:            "m1",
		SenderID:      "shoe@example.com",
		ReceiverID:    "socks@example.com",
		CreatedAt:     "2025-06-01T12:00:00Z",
		DeliveryState: store.DeliverySending,
	}
	ev, err := NewMessageEvent(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(ev.Payload), "sending")

	got, err := ev.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryUnknown, got.DeliveryState,
		"delivery state is local-only and must not survive the wire")
}
