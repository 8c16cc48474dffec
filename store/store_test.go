package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(id string) Message {
	return Message{
		ID:         id,
		SenderID:   "shoe@example.com",
		ReceiverID: "socks@example.com",
		Text:       "hi",
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
	}
}

func TestUpsert_InsertUsesFallbackState(t *testing.T) {
	s := New()

	m, changed, err := s.Upsert(testMessage("m1"), DeliverySending)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, DeliverySending, m.DeliveryState)
	assert.Equal(t, 1, s.Len())
}

func TestUpsert_RejectsMissingID(t *testing.T) {
	s := New()

	msg := testMessage("")
	_, changed, err := s.Upsert(msg, DeliverySent)
	assert.ErrorIs(t, err, ErrMissingID)
	assert.False(t, changed)
	assert.Equal(t, 0, s.Len())

	msg.ID = "   "
	_, _, err = s.Upsert(msg, DeliverySent)
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestUpsert_Idempotent(t *testing.T) {
	s := New()

	first, changed, err := s.Upsert(testMessage("m1"), DeliverySent)
	require.NoError(t, err)
	require.True(t, changed)

	second, changed, err := s.Upsert(testMessage("m1"), DeliverySent)
	require.NoError(t, err)
	assert.False(t, changed, "identical candidate must be a no-op")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestUpsert_NeverDuplicates(t *testing.T) {
	s := New()

	for i := 0; i < 5; i++ {
		_, _, err := s.Upsert(testMessage("m1"), DeliverySent)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.Len())
}

func TestUpsert_ReadIsMonotonic(t *testing.T) {
	// For any order of candidate IsRead values, the final flag must be the
	// logical OR of all of them.
	orders := [][]bool{
		{false, true, false},
		{true, false, false},
		{false, false, true},
		{true, true, false},
	}
	for _, order := range orders {
		s := New()
		want := false
		for _, r := range order {
			msg := testMessage("m1")
			msg.IsRead = r
			want = want || r
			_, _, err := s.Upsert(msg, DeliverySent)
			require.NoError(t, err)
		}
		got, ok := s.Get("m1")
		require.True(t, ok)
		assert.Equal(t, want, got.IsRead, "order %v", order)
	}
}

func TestUpsert_DeliveryStateNeverRegresses(t *testing.T) {
	tests := []struct {
		name      string
		existing  DeliveryState
		candidate DeliveryState
		want      DeliveryState
	}{
		{"unsupplied keeps existing", DeliverySent, DeliveryUnknown, DeliverySent},
		{"sent stays sent against sending", DeliverySent, DeliverySending, DeliverySent},
		{"sent stays sent against error", DeliverySent, DeliveryError, DeliverySent},
		{"sending advances to sent", DeliverySending, DeliverySent, DeliverySent},
		{"sending falls to error", DeliverySending, DeliveryError, DeliveryError},
		{"error ignores stale sending", DeliveryError, DeliverySending, DeliveryError},
		{"error corrected by authoritative sent", DeliveryError, DeliverySent, DeliverySent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			first := testMessage("m1")
			first.DeliveryState = tt.existing
			_, _, err := s.Upsert(first, DeliveryUnknown)
			require.NoError(t, err)

			second := testMessage("m1")
			second.DeliveryState = tt.candidate
			merged, _, err := s.Upsert(second, DeliveryUnknown)
			require.NoError(t, err)
			assert.Equal(t, tt.want, merged.DeliveryState)
		})
	}
}

func TestUpsert_NormalizesIdentities(t *testing.T) {
	s := New()

	msg := testMessage("m1")
	msg.SenderID = "  Shoe@Example.COM "
	msg.ReceiverID = "SOCKS@example.com"
	m, _, err := s.Upsert(msg, DeliverySent)
	require.NoError(t, err)
	assert.Equal(t, "shoe@example.com", m.SenderID)
	assert.Equal(t, "socks@example.com", m.ReceiverID)
}

func TestRemove_IdempotentAndSafeWhenAbsent(t *testing.T) {
	s := New()

	assert.False(t, s.Remove("ghost"), "removing an unknown id must be a no-op")

	_, _, err := s.Upsert(testMessage("m1"), DeliverySent)
	require.NoError(t, err)

	assert.False(t, s.Remove("ghost"))
	assert.Equal(t, 1, s.Len(), "unknown delete must not alter existing entries")

	assert.True(t, s.Remove("m1"))
	assert.False(t, s.Remove("m1"))
	assert.Equal(t, 0, s.Len())
}

func TestOptimisticSendLifecycle(t *testing.T) {
	// Local send -> sending; durable confirmation -> sent; broadcast echo
	// after confirmation -> still one entry, still sent.
	s := New()

	local := testMessage("m1")
	_, _, err := s.Upsert(local, DeliverySending)
	require.NoError(t, err)
	got, _ := s.Get("m1")
	assert.Equal(t, DeliverySending, got.DeliveryState)

	confirmed := testMessage("m1")
	confirmed.DeliveryState = DeliverySent
	_, _, err = s.Upsert(confirmed, DeliveryUnknown)
	require.NoError(t, err)
	got, _ = s.Get("m1")
	assert.Equal(t, DeliverySent, got.DeliveryState)
	assert.Equal(t, "m1", got.ID, "id must survive confirmation")

	echo := testMessage("m1")
	_, _, err = s.Upsert(echo, DeliverySent)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	got, _ = s.Get("m1")
	assert.Equal(t, DeliverySent, got.DeliveryState)
}

func TestRemoteOriginatedMessageNeverSending(t *testing.T) {
	s := New()

	remote := testMessage("m2")
	remote.SenderID, remote.ReceiverID = remote.ReceiverID, remote.SenderID
	m, _, err := s.Upsert(remote, DeliverySent)
	require.NoError(t, err)
	assert.Equal(t, DeliverySent, m.DeliveryState)
	assert.Equal(t, 1, s.Len())
}

func TestMarkReadBySender(t *testing.T) {
	s := New()

	for _, id := range []string{"a", "b"} {
		msg := testMessage(id)
		_, _, err := s.Upsert(msg, DeliverySent)
		require.NoError(t, err)
	}
	other := testMessage("c")
	other.SenderID = "socks@example.com"
	_, _, err := s.Upsert(other, DeliverySent)
	require.NoError(t, err)

	assert.Equal(t, 2, s.MarkReadBySender("Shoe@Example.com "))
	assert.Equal(t, 0, s.MarkReadBySender("shoe@example.com"), "already read, must be a no-op")

	got, _ := s.Get("c")
	assert.False(t, got.IsRead, "other sender's messages untouched")
}

func TestSnapshot_Ordering(t *testing.T) {
	s := New()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mkAt := func(id string, at time.Time) Message {
		m := testMessage(id)
		m.CreatedAt = at.Format(time.RFC3339Nano)
		return m
	}

	_, _, err := s.Upsert(mkAt("late", base.Add(2*time.Minute)), DeliverySent)
	require.NoError(t, err)
	_, _, err = s.Upsert(mkAt("early", base), DeliverySent)
	require.NoError(t, err)

	broken := testMessage("broken")
	broken.CreatedAt = "not-a-timestamp"
	_, _, err = s.Upsert(broken, DeliverySent)
	require.NoError(t, err, "unparsable timestamps must not be dropped")

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "early", snap[0].ID)
	assert.Equal(t, "late", snap[1].ID)
	assert.Equal(t, "broken", snap[2].ID, "unparsable timestamp sorts last")
}

func TestFullReplayReconciliation(t *testing.T) {
	// Re-applying an entire authoritative fetch must not duplicate or alter
	// anything: the fetch-then-upsert path relies on this.
	s := New()

	fetch := []Message{testMessage("m1"), testMessage("m2"), testMessage("m3")}
	for _, m := range fetch {
		_, _, err := s.Upsert(m, DeliverySent)
		require.NoError(t, err)
	}
	before := s.Snapshot()

	for _, m := range fetch {
		_, changed, err := s.Upsert(m, DeliverySent)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Equal(t, before, s.Snapshot())
}

func TestInvolvesPair(t *testing.T) {
	m := testMessage("m1")
	assert.True(t, m.InvolvesPair("shoe@example.com", "socks@example.com"))
	assert.True(t, m.InvolvesPair("SOCKS@example.com", " shoe@example.com"))
	assert.False(t, m.InvolvesPair("shoe@example.com", "intruder@example.com"))
	assert.False(t, m.InvolvesPair("intruder@example.com", "socks@example.com"))
}
