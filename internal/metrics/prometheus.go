// Package metrics provides Prometheus metrics for load balancing decisions and
// the request metrics recorded after dispatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "llmux"
	subsystem = "lb"
)

// LatencyBuckets defines histogram buckets for request latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 30.0, 60.0, 120.0, 300.0,
}

// SelectionBuckets defines histogram buckets for strategy runtime (in seconds).
var SelectionBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1,
}

// =============================================================================
// Selection Metrics
// =============================================================================

var (
	// Selections counts successful selections per route and candidate.
	Selections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selections_total",
			Help:      "Total number of successful candidate selections",
		},
		[]string{"route", "strategy", "candidate"},
	)

	// SelectionErrors counts failed selections.
	SelectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selection_errors_total",
			Help:      "Total number of failed candidate selections",
		},
		[]string{"route", "strategy", "reason"},
	)

	// SelectionDuration tracks how long strategies take to decide.
	SelectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selection_duration_seconds",
			Help:      "Time spent selecting a candidate",
			Buckets:   SelectionBuckets,
		},
		[]string{"strategy"},
	)

	// QoSRejections counts QoS checks that refused a selected candidate.
	QoSRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "qos_rejections_total",
			Help:      "Total number of QoS checks that refused a candidate",
		},
		[]string{"route", "candidate"},
	)

	// InflightRequests tracks requests dispatched and not yet completed.
	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inflight_requests",
			Help:      "Number of requests dispatched to a candidate and not yet completed",
		},
		[]string{"route", "candidate"},
	)

	// QueueDepth tracks queued selections waiting for a route slot.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Number of queued selections waiting for a route slot",
		},
		[]string{"route"},
	)

	// QueueWait tracks how long queued selections take to be accepted or refused.
	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_wait_seconds",
			Help:      "Time from enqueueing a selection to its outcome",
			Buckets:   LatencyBuckets,
		},
		[]string{"route", "outcome"},
	)
)

// =============================================================================
// Recorded Request Metrics
// =============================================================================

var (
	// RecordedLatency observes end-to-end latency of completed requests.
	RecordedLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_latency_seconds",
			Help:      "End-to-end latency of completed requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "provider_url"},
	)

	// RecordedTTFT observes time to first token of streaming requests.
	RecordedTTFT = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_ttft_seconds",
			Help:      "Time to first token of completed streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "provider_url"},
	)

	// SinkErrors counts metric records that could not be delivered.
	SinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "metric_sink_errors_total",
			Help:      "Total number of request metrics the sink failed to store",
		},
	)
)
