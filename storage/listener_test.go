package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairsync/transport"
)

func TestDecodeFeedPayloadInsert(t *testing.T) {
	payload := []byte(`{
		"action": "insert",
		"id": "m-1",
		"message": {
			"id": "m-1",
			"sender_id": "shoe@example.com",
			"receiver_id": "socks@example.com",
			"text": "hello",
			"created_at": "2026-08-30T12:00:00.000000Z",
			"is_read": false
		}
	}`)

	event, err := decodeFeedPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, transport.FeedInsert, event.Action)
	assert.Equal(t, "m-1", event.ID)
	require.NotNil(t, event.Message)
	assert.Equal(t, "m-1", event.Message.ID)
	assert.Equal(t, "hello", event.Message.Text)

	created, ok := event.Message.CreatedTime()
	require.True(t, ok, "trigger timestamp format must parse as RFC3339")
	assert.Equal(t, 2026, created.Year())
}

func TestDecodeFeedPayloadOversizedRowDropsBody(t *testing.T) {
	// The trigger falls back to action+id when the row exceeds the NOTIFY
	// payload limit. The event must surface with a nil message so the
	// consumer resynchronizes.
	event, err := decodeFeedPayload([]byte(`{"action":"update","id":"m-2"}`))
	require.NoError(t, err)
	assert.Equal(t, transport.FeedUpdate, event.Action)
	assert.Equal(t, "m-2", event.ID)
	assert.Nil(t, event.Message)
}

func TestDecodeFeedPayloadNullFields(t *testing.T) {
	payload := []byte(`{
		"action": "insert",
		"id": "m-3",
		"message": {
			"id": "m-3",
			"sender_id": "a",
			"receiver_id": "b",
			"text": null,
			"image_url": "https://cdn.example.com/pic.png",
			"audio_url": null,
			"created_at": "2026-08-30T12:00:01Z",
			"is_read": false
		}
	}`)

	event, err := decodeFeedPayload(payload)
	require.NoError(t, err)
	require.NotNil(t, event.Message)
	assert.Empty(t, event.Message.Text)
	assert.Equal(t, "https://cdn.example.com/pic.png", event.Message.ImageURL)
}

func TestDecodeFeedPayloadDelete(t *testing.T) {
	event, err := decodeFeedPayload([]byte(`{"action":"delete","id":"m-4"}`))
	require.NoError(t, err)
	assert.Equal(t, transport.FeedDelete, event.Action)
	assert.Equal(t, "m-4", event.ID)
	assert.Nil(t, event.Message)
}

func TestDecodeFeedPayloadMalformed(t *testing.T) {
	_, err := decodeFeedPayload([]byte(`not json`))
	assert.Error(t, err)
}

func TestListenerCloseBeforeSubscribe(t *testing.T) {
	l := NewListener("postgres://unused")
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestListenerSubscribeAfterCloseRestarts(t *testing.T) {
	// Each subscribe/close cycle runs its own listen loop; a second cycle
	// must get a fresh lifecycle instead of tripping over the first one's.
	l := NewListener("postgres://unused")

	require.NoError(t, l.Subscribe(context.Background(), func(transport.FeedEvent) {}))
	require.NoError(t, l.Close())

	require.NoError(t, l.Subscribe(context.Background(), func(transport.FeedEvent) {}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
