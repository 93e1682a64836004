package campaigns

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smscourier"

var (
	campaignsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "processed_total",
			Help:      "Total campaign jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	recipientsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "recipients_total",
			Help:      "Recipients with a terminal outcome by mode and status",
		},
		[]string{"mode", "status"},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "batch_duration_seconds",
			Help:      "Time to process one batch",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "queue_size",
			Help:      "Number of campaign jobs by state",
		},
		[]string{"state"},
	)

	feedSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "feed_subscriptions",
			Help:      "Currently open progress feed subscriptions",
		},
	)
)

// recordCampaign records a finished campaign job.
func recordCampaign(outcome string) {
	campaignsProcessed.WithLabelValues(outcome).Inc()
}

// recordRecipient records one recipient outcome.
func recordRecipient(mode, status string) {
	recipientsDispatched.WithLabelValues(mode, status).Inc()
}

// recordRecipients records n recipient outcomes at once.
func recordRecipients(mode, status string, n int) {
	if n > 0 {
		recipientsDispatched.WithLabelValues(mode, status).Add(float64(n))
	}
}

// recordBatchDuration records how long one batch took.
func recordBatchDuration(mode string, d time.Duration) {
	batchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordQueueStats updates the queue size gauges.
func RecordQueueStats(stats QueueStats) {
	queueSize.WithLabelValues("waiting").Set(float64(stats.Waiting))
	queueSize.WithLabelValues("active").Set(float64(stats.Active))
	queueSize.WithLabelValues("completed").Set(float64(stats.Completed))
	queueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
