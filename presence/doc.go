// Package presence tracks the online/offline and typing state of the remote
// party in a two-party conversation.
//
// Online state is derived from full-membership presence snapshots: the
// remote is online exactly when it appears in the latest snapshot's member
// set, which supersedes rather than patches prior state. Typing is an
// ephemeral signal with a self-expiring timeout and is deliberately
// independent of online state, since typing signals and presence snapshots
// may arrive out of order.
//
// Last-active time is refreshed not only by presence snapshots but by any
// observed activity (inbound messages, read receipts, typing), because the
// presence channel's snapshot cadence is coarser than message cadence.
package presence
