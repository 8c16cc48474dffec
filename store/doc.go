// Package store implements the canonical in-memory message collection for a
// single two-party conversation.
//
// The store is the single mutation point of the synchronization engine: every
// channel (optimistic local writes, broadcast echoes, change-feed rows,
// authoritative fetches) funnels into Upsert and Remove. Upsert is idempotent
// and keyed by the client-generated message ID, so replaying any event stream
// in any order never produces duplicate entries.
//
// # Merge rules
//
// When an incoming candidate collides with an existing entry, candidate
// fields win with two exceptions:
//
//   - DeliveryState: the existing state is kept unless the candidate
//     explicitly supplies one, and a message that reached DeliverySent never
//     regresses to DeliverySending or DeliveryError.
//   - IsRead: monotonic. Once true, no event can flip it back to false.
//
// # Ordering
//
// Entries are held in a map keyed by ID; Snapshot reconstructs timeline order
// from each message's CreatedAt timestamp. A message whose timestamp cannot
// be parsed sorts last and is logged, never dropped.
package store
