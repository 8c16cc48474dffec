// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors are registered on the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel metrics
	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsync_events_routed_total",
			Help: "Total inbound events routed, by channel",
		},
		[]string{"channel"}, // "broadcast", "feed", "presence"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsync_events_dropped_total",
			Help: "Total inbound events dropped",
		},
		[]string{"reason"}, // "malformed", "foreign_pair", "stale_generation", "unknown_type"
	)

	// Store metrics
	Upserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsync_upserts_total",
			Help: "Total message upserts applied",
		},
		[]string{"result"}, // "insert", "merge", "noop"
	)

	// Sync metrics
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsync_reconciliations_total",
			Help: "Total reconciliation passes",
		},
		[]string{"result"}, // "ok", "error", "stale"
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsync_reconnects_total",
			Help: "Total channel reconnects observed",
		},
		[]string{"channel"},
	)

	// Send metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairsync_messages_sent_total",
			Help: "Total local sends, by final delivery state",
		},
		[]string{"result"}, // "sent", "error"
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pairsync_reconcile_duration_seconds",
			Help:    "Authoritative fetch and merge duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)
