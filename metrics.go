package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Timeline metrics
	messagesMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Messages inserted into a conversation timeline",
		},
		[]string{"origin"},
	)

	duplicatesIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_duplicates_ignored_total",
			Help: "Incoming messages discarded because their identity was already present",
		},
		[]string{"origin"},
	)

	// Collaborator metrics
	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_fetch_failures_total",
			Help: "Failed history and room-list fetches",
		},
		[]string{"kind"}, // "history", "pagination", "rooms"
	)

	sendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Failed user sends",
		},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_fetch_duration_seconds",
			Help:    "History fetch latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// Live stream metrics
	streamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stream_reconnects_total",
			Help: "Live stream reconnect attempts",
		},
	)

	streamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stream_events_dropped_total",
			Help: "Live events discarded by the connection manager",
		},
		[]string{"reason"}, // "foreign_room", "server_error"
	)

	streamDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_stream_degraded",
			Help: "1 while the live stream has exhausted its reconnect budget",
		},
	)

	// Storage metrics
	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_storage_errors_total",
			Help: "Local store failures",
		},
		[]string{"op"},
	)

	messagesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_pruned_total",
			Help: "Messages removed by retention",
		},
	)
)
