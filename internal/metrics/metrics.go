// Package metrics exposes Prometheus instrumentation for the EdgeWatch
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest pipeline metrics
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_ingest_batches_total",
			Help: "Total ingestion batches by terminal status",
		},
		[]string{"status"},
	)

	IngestPointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_ingest_points_total",
			Help: "Total telemetry points by disposition",
		},
		[]string{"disposition"}, // accepted, duplicate, quarantined, rejected
	)

	IngestDriftKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_ingest_drift_keys_total",
			Help: "Total contract drift observations by kind",
		},
		[]string{"kind"}, // unknown, mismatch
	)

	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_rate_limit_rejections_total",
			Help: "Total ingest requests rejected by the per-device rate limiter",
		},
	)

	// Alert lifecycle metrics
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_alerts_fired_total",
			Help: "Total alerts fired by severity and type",
		},
		[]string{"severity", "type"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_alerts_resolved_total",
			Help: "Total alerts resolved by type",
		},
		[]string{"type"},
	)

	// Notification routing metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_notifications_total",
			Help: "Total notification routing outcomes by decision and channel",
		},
		[]string{"decision", "channel"},
	)

	// Control command metrics
	CommandsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_commands_enqueued_total",
			Help: "Total control commands enqueued",
		},
	)

	CommandsAcknowledgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_commands_acknowledged_total",
			Help: "Total control commands acknowledged by devices",
		},
	)

	CommandsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_commands_expired_total",
			Help: "Total control commands expired before acknowledgement",
		},
	)

	// Pubsub lane metrics
	PubSubPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_pubsub_publish_total",
			Help: "Total pubsub publish attempts by outcome",
		},
		[]string{"outcome"}, // ok, failed
	)
)
