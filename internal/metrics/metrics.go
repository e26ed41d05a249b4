package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing Metrics
	EnvelopesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrouter_envelopes_routed_total",
		Help: "Total routing decisions by outcome",
	}, []string{"outcome"})

	PolicyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrouter_policy_apply_duration_seconds",
		Help:    "Time spent in each worker policy apply",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	}, []string{"policy"})

	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrouter_lock_wait_duration_seconds",
		Help:    "Time spent waiting for the per-domain routing lock",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	// Delivery Metrics
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrouter_deliveries_total",
		Help: "Total delivery attempts by result",
	}, []string{"result"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrouter_delivery_duration_seconds",
		Help:    "Time taken to transmit an envelope",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
	})

	TasksDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrouter_tasks_discarded_total",
		Help: "Total delivery tasks discarded without transmission",
	}, []string{"reason"})

	// Queue Metrics
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailrouter_queue_depth",
		Help: "Current number of tasks per queue",
	}, []string{"queue"})

	// GC Metrics
	WorkersDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailrouter_workers_disabled_total",
		Help: "Total workers disabled after repeated ping failures",
	})

	TasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailrouter_tasks_requeued_total",
		Help: "Total tasks republished from disabled queues",
	})

	RawMailPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailrouter_raw_mail_purged_total",
		Help: "Total message bodies purged after the retention window",
	})

	// Error Metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrouter_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordRoute records a routing decision outcome
func RecordRoute(outcome string) {
	EnvelopesRouted.WithLabelValues(outcome).Inc()
}

// RecordDelivery records a delivery attempt with its duration
func RecordDelivery(result string, durationSeconds float64) {
	DeliveryDuration.Observe(durationSeconds)
	Deliveries.WithLabelValues(result).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
