package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backpressure_requests_sent_total",
			Help: "Total number of requests pulled from the source and attempted.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_deliveries_total",
			Help: "Total number of delivery attempts by status and phase.",
		},
		[]string{"status", "phase"}, // status: delivered|failed, phase: primary|retry
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backpressure_delivery_latency_seconds",
			Help:    "Latency of single delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	RetryRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backpressure_retry_rounds_total",
			Help: "Total number of retry rounds executed.",
		},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backpressure_pending_requests",
			Help: "Requests currently waiting for redelivery.",
		},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_failures_total",
			Help: "Total number of failed deliveries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, broker, other
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_runs_total",
			Help: "Total number of finished delivery runs by outcome.",
		},
		[]string{"outcome"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpressure_dead_letters_total",
			Help: "Total number of requests handed to a dead letter sink.",
		},
		[]string{"sink"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsSentTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		RetryRoundsTotal,
		PendingRequests,
		FailuresTotal,
		RunsTotal,
		DeadLettersTotal,
	)
}

// RecordRequestSent counts a request attempted in the primary pass
func RecordRequestSent() {
	RequestsSentTotal.Inc()
}

// RecordDelivery records the status and latency of one delivery attempt
func RecordDelivery(status, phase string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, phase).Inc()
	DeliveryLatencySeconds.WithLabelValues(phase).Observe(latency.Seconds())
}

func RecordRetryRound() {
	RetryRoundsTotal.Inc()
}

func SetPending(n int) {
	PendingRequests.Set(float64(n))
}

// RecordFailure counts a failed delivery by classified reason
func RecordFailure(reason string) {
	FailuresTotal.WithLabelValues(reason).Inc()
}

func RecordRun(outcome string) {
	RunsTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetters counts n requests handed to the named sink
func RecordDeadLetters(sink string, n int) {
	DeadLettersTotal.WithLabelValues(sink).Add(float64(n))
}
