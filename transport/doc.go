// Package transport defines the channel contracts the synchronization
// engine consumes and provides concrete implementations of the advisory
// (broadcast + presence) channels.
//
// # Channels
//
// Three logical streams feed one conversation:
//
//   - Broadcast: low-latency, at-most-once message events and typing /
//     read-receipt signals. Advisory, never authoritative.
//   - Presence: full-membership snapshots for the conversation room.
//   - Change feed: insert/update/delete notifications from the durable
//     store; authoritative for content and existence. Implemented by the
//     storage package, declared here so routing stays transport-agnostic.
//
// # Implementations
//
// Redis transport (pub/sub broadcast, TTL-heartbeat presence):
//
//	tr, err := NewRedisTransport(ctx, "redis://localhost:6379")
//
// Websocket relay transport:
//
//	tr := NewWSTransport("wss://relay.example.com/ws")
//
// Mock transport (in-memory, for tests and local pairs):
//
//	hub := NewMockHub()
//	a, b := hub.Client(), hub.Client()
//
// Security of the wire is a transport-layer concern; nothing in this
// package or the engine performs end-to-end encryption.
package transport
