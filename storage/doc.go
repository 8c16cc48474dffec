// Package storage provides the durable-store contract the engine
// reconciles against, its PostgreSQL implementation, and the change feed
// derived from it.
//
// The durable store is the truth path: rows that exist here exist, whatever
// the broadcast channel said or failed to say. The change feed surfaces
// row-level insert/update/delete notifications over LISTEN/NOTIFY so the
// engine hears about remote writes without polling; the engine still never
// trusts the feed alone and re-fetches on every reconnect.
package storage
