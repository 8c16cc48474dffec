package transport

import (
	"strings"

	"github.com/opd-ai/pairsync/store"
)

// RoomKey derives the shared room identifier for a two-party conversation.
// Identities are normalized and sorted lexicographically before joining, so
// both parties compute the same key without coordination, and the result is
// sanitized to a safe identifier alphabet.
func RoomKey(a, b string) string {
	a = store.NormalizeIdentity(a)
	b = store.NormalizeIdentity(b)
	if b < a {
		a, b = b, a
	}
	return sanitize("room_" + a + "_" + b)
}

// sanitize keeps [a-zA-Z0-9_] and drops everything else.
func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
