// Package cache persists per-device conversation state that never crosses
// a synchronization channel: locally hidden message IDs, peer last-seen
// timestamps and the most recent message snapshot for instant display
// before the first authoritative fetch completes.
package cache
