package storage

import (
	"context"

	"github.com/opd-ai/pairsync/store"
)

// Store is the durable-store contract consumed by the engine. FetchAll is
// the authoritative snapshot the reconciliation loop replays; Insert is the
// truth path of an outbound send.
type Store interface {
	// FetchAll returns every message between the two identities, in
	// ascending creation order, filtered to exactly the pair.
	FetchAll(ctx context.Context, identityA, identityB string) ([]store.Message, error)

	// Insert persists a message and returns the canonical stored record.
	// The client-generated ID is preserved.
	Insert(ctx context.Context, msg store.Message) (store.Message, error)

	// UpdateReadFlag marks every unread message from sender to receiver as
	// read.
	UpdateReadFlag(ctx context.Context, receiver, sender string) error

	// Delete removes a message by ID. Deleting an absent ID is not an
	// error.
	Delete(ctx context.Context, id string) error

	// Close releases the underlying connections.
	Close()
}

// MediaStore uploads media bytes and returns a public reference URL. The
// engine only ever stores the returned reference inside a message payload,
// never raw bytes.
type MediaStore interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}
