package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairsync/presence"
)

func TestMockHub_DeliversToPeerNotSelf(t *testing.T) {
	hub := NewMockHub()
	a, b := hub.Client(), hub.Client()
	room := RoomKey("shoe@example.com", "socks@example.com")

	var mu sync.Mutex
	var aGot, bGot []Event
	require.NoError(t, a.Subscribe(context.Background(), room, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		aGot = append(aGot, ev)
	}))
	require.NoError(t, b.Subscribe(context.Background(), room, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		bGot = append(bGot, ev)
	}))

	ev, err := NewSignalEvent(EventTyping, "shoe@example.com")
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), room, ev))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, aGot, "sender must not see its own broadcast")
	require.Len(t, bGot, 1)
	assert.Equal(t, EventTyping, bGot[0].Type)
}

func TestMockHub_RoomIsolation(t *testing.T) {
	hub := NewMockHub()
	a, c := hub.Client(), hub.Client()

	var mu sync.Mutex
	var got []Event
	require.NoError(t, c.Subscribe(context.Background(), "room_other", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}))
	require.NoError(t, a.Subscribe(context.Background(), "room_pair", nil))

	ev, err := NewSignalEvent(EventTyping, "x")
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), "room_pair", ev))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, got)
}

func TestMockHub_PresenceSnapshots(t *testing.T) {
	hub := NewMockHub()
	a, b := hub.Client(), hub.Client()
	room := "room_pair"

	var mu sync.Mutex
	var last []presence.Member
	a.OnSync(func(members []presence.Member) {
		mu.Lock()
		defer mu.Unlock()
		last = members
	})
	require.NoError(t, a.Subscribe(context.Background(), room, nil))

	require.NoError(t, b.Track(context.Background(), room, presence.Member{Identity: "socks@example.com"}))
	mu.Lock()
	require.Len(t, last, 1)
	assert.Equal(t, "socks@example.com", last[0].Identity)
	mu.Unlock()

	require.NoError(t, b.Untrack(context.Background()))
	mu.Lock()
	assert.Empty(t, last, "untrack must produce a full snapshot without the member")
	mu.Unlock()
}

func TestMockClient_SendErrorAndDrop(t *testing.T) {
	hub := NewMockHub()
	a, b := hub.Client(), hub.Client()
	room := "room_pair"

	var mu sync.Mutex
	delivered := 0
	require.NoError(t, b.Subscribe(context.Background(), room, func(Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered++
	}))
	require.NoError(t, a.Subscribe(context.Background(), room, nil))

	ev, err := NewSignalEvent(EventTyping, "x")
	require.NoError(t, err)

	a.SetSendError(errors.New("boom"))
	assert.Error(t, a.Send(context.Background(), room, ev))

	a.SetSendError(nil)
	a.SetDropSends(true)
	assert.NoError(t, a.Send(context.Background(), room, ev),
		"at-most-once channel acknowledges even when it loses the event")

	mu.Lock()
	assert.Equal(t, 0, delivered)
	mu.Unlock()
	assert.Len(t, a.Sent(), 2)
}

func TestMockClient_StatusTransitions(t *testing.T) {
	hub := NewMockHub()
	a := hub.Client()

	var mu sync.Mutex
	var transitions []bool
	a.OnStatus(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, connected)
	})

	require.NoError(t, a.Subscribe(context.Background(), "room_pair", func(Event) {}))
	a.Disconnect()
	a.Reconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, transitions)
}

func TestMockFeed_EmitAndClose(t *testing.T) {
	feed := NewMockFeed()

	var mu sync.Mutex
	var got []FeedEvent
	require.NoError(t, feed.Subscribe(context.Background(), func(ev FeedEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}))

	feed.Emit(FeedEvent{Action: FeedDelete, ID: "m1"})
	require.NoError(t, feed.Close())
	feed.Emit(FeedEvent{Action: FeedDelete, ID: "m2"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}
