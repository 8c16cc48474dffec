package pairsync

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync/metrics"
	"github.com/opd-ai/pairsync/store"
)

// reconcile runs one authoritative pass: fetch the full history from the
// durable store, merge every row through the upsert, and settle the sync
// status. gen tags the pass; if another pass started in the meantime (or
// the conversation closed), the completion is discarded so a stale fetch
// can never overwrite fresher state.
func (c *Conversation) reconcile(gen uint64) {
	start := time.Now()
	ctx := c.ctx

	rows, err := c.opts.Durable.FetchAll(ctx, c.selfID, c.peerID)

	if c.generation.Load() != gen {
		metrics.Reconciliations.WithLabelValues("stale").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "reconcile",
			"instance": c.instanceID,
			"gen":      gen,
		}).Debug("Discarding stale reconciliation")
		return
	}

	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "reconcile",
			"instance": c.instanceID,
			"error":    err,
		}).Error("Authoritative fetch failed")
		c.setStatus(StatusError)
		return
	}

	changed := false
	var peerLatest time.Time
	var peerLatestRaw string
	for _, row := range rows {
		row.DeliveryState = store.DeliverySent
		if _, rowChanged, err := c.store.Upsert(row, store.DeliverySent); err == nil && rowChanged {
			changed = true
		}
		if row.SenderID == c.peerID {
			// Timestamps come through in varying RFC 3339 renderings, so
			// ordering has to go through parsed time, not the raw strings.
			if at, ok := row.CreatedTime(); ok && at.After(peerLatest) {
				peerLatest = at
				peerLatestRaw = row.CreatedAt
			}
		}
	}
	if changed {
		c.notifyMessages()
	}
	if peerLatestRaw != "" {
		c.rememberPeerActivity(peerLatestRaw)
	}

	c.markReadAfterFetch()
	c.saveSnapshot()

	// Every entry into Synced re-announces the local member; the presence
	// channel may have lost the registration during the gap.
	if err := c.trackSelf(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "reconcile",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Presence re-track failed")
	}
	c.setStatus(StatusSynced)

	metrics.Reconciliations.WithLabelValues("ok").Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	logrus.WithFields(logrus.Fields{
		"function": "reconcile",
		"instance": c.instanceID,
		"gen":      gen,
		"rows":     len(rows),
		"elapsed":  time.Since(start),
	}).Info("Reconciliation complete")
}

// markReadAfterFetch marks the freshly fetched peer messages read. The
// conversation is open on this device, so everything fetched has been
// seen; the flip mirrors to the durable store and announces a receipt.
func (c *Conversation) markReadAfterFetch() {
	if err := c.MarkRead(c.ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "markReadAfterFetch",
			"instance": c.instanceID,
			"error":    err,
		}).Warn("Read flag persistence failed")
	}
}
