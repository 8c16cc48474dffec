package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomKey_OrderIndependent(t *testing.T) {
	a := RoomKey("shoe@example.com", "socks@example.com")
	b := RoomKey("socks@example.com", "shoe@example.com")
	assert.Equal(t, a, b, "both parties must derive the same key without coordination")
}

func TestRoomKey_NormalizesIdentities(t *testing.T) {
	a := RoomKey(" Shoe@Example.COM ", "socks@example.com")
	b := RoomKey("shoe@example.com", "SOCKS@example.com")
	assert.Equal(t, a, b)
}

func TestRoomKey_SafeAlphabet(t *testing.T) {
	key := RoomKey("shoe+tag@example.com", "socks@example.com")
	for _, r := range key {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
		assert.True(t, ok, "unexpected rune %q in room key %q", r, key)
	}
}

func TestRoomKey_Deterministic(t *testing.T) {
	assert.Equal(t,
		"room_shoeexamplecom_socksexamplecom",
		RoomKey("shoe@example.com", "socks@example.com"))
}
