package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job metrics
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encoder_jobs_created_total",
			Help: "Total number of encoding jobs created",
		},
		[]string{"resource_type"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encoder_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status"},
	)

	PipelinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "encoder_pipelines_active",
			Help: "Number of pipeline tasks currently running",
		},
	)

	// Encode metrics
	VariantEncodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encoder_variant_encodes_total",
			Help: "Total number of variant encode attempts",
		},
		[]string{"variant", "result"},
	)

	EncodeFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_hardware_fallbacks_total",
			Help: "Total number of hardware encode failures retried in software",
		},
	)

	EncodeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encoder_encode_duration_seconds",
			Help:    "Wall-clock duration of one variant encode",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
		[]string{"variant"},
	)

	// Upload metrics
	SegmentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encoder_segment_uploads_total",
			Help: "Total number of segment uploads by final status",
		},
		[]string{"status"},
	)

	SegmentUploadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_segment_upload_retries_total",
			Help: "Total number of segment upload retry attempts",
		},
	)

	PublishDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "encoder_publish_duration_seconds",
			Help:    "Wall-clock duration of one publish transaction",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_publish_rollbacks_total",
			Help: "Total number of publish transactions rolled back",
		},
	)

	// Notification metrics
	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "encoder_notifications_dropped_total",
			Help: "Progress notifications dropped because the delivery queue was full",
		},
	)
)
