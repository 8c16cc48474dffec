// Package pairsync keeps a two-party chat conversation synchronized across
// three channels with different guarantees: a low-latency broadcast stream
// (advisory, at-most-once), a change feed from the durable store
// (authoritative) and a presence channel carrying full membership
// snapshots.
//
// Every message carries a sender-assigned ID that acts as the idempotency
// key; all three channels converge through one commutative upsert, so
// duplicated, reordered or raced events always settle on the same
// collection. Local sends are optimistic: they appear immediately in state
// Sending and are confirmed in the background over the broadcast fast path
// and the durable truth path.
//
// Typical usage:
//
//	opts := pairsync.NewOptions()
//	opts.SelfID = "shoe@example.com"
//	opts.PeerID = "socks@example.com"
//	opts.Broadcast, opts.Presence = rt, rt
//	opts.Feed = listener
//	opts.Durable = pg
//
//	conv, err := pairsync.New(opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	conv.OnMessagesChanged(render)
//	if err := conv.Attach(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer conv.Close()
//
//	conv.SendText(ctx, "hello")
package pairsync
