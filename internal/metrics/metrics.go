// Package metrics provides Prometheus instrumentation for the EventSub
// ingestion and dispatch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket session metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subpub_ws_connections_active",
		Help: "Number of active EventSub WebSocket connections (0 or 1).",
	})

	WSFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_ws_frames_total",
		Help: "Total number of EventSub frames received, by message_type.",
	}, []string{"message_type"})

	WSReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subpub_ws_reconnects_total",
		Help: "Total number of completed session reconnects.",
	})

	WSDuplicateFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subpub_ws_duplicate_frames_total",
		Help: "Total number of frames dropped because their message_id was already seen.",
	})
)

// Token manager metrics.
var (
	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_token_refreshes_total",
		Help: "Total number of token refresh attempts, by outcome.",
	}, []string{"outcome"})

	TokenValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_token_validations_total",
		Help: "Total number of token validation calls, by outcome.",
	}, []string{"outcome"})
)

// REST client metrics.
var (
	RESTRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_rest_requests_total",
		Help: "Total number of authenticated REST requests, by method and status class.",
	}, []string{"method", "status_class"})

	RESTRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "subpub_rest_rate_limit_wait_seconds",
		Help:    "Seconds slept when backing off a 429 response.",
		Buckets: prometheus.DefBuckets,
	})
)

// Queue and dispatch metrics.
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subpub_queue_depth",
		Help: "Current number of alerts waiting in the priority queue.",
	})

	AlertsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_alerts_enqueued_total",
		Help: "Total number of alerts enqueued, by channel.",
	}, []string{"channel"})

	AlertsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_alerts_processed_total",
		Help: "Total number of alerts processed, by channel and outcome.",
	}, []string{"channel", "outcome"})

	ArchiveWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subpub_archive_writes_total",
		Help: "Total number of event archive upserts, by channel and outcome.",
	}, []string{"channel", "outcome"})
)
