// Package metrics exposes Prometheus instrumentation for the sync engine.
// Collectors register against the default registry; hosts that scrape it get
// fleet-wide visibility for free, and everyone else pays only a counter
// increment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "fetch_total",
		Help:      "Vehicle state fetch attempts by outcome.",
	}, []string{"outcome"})

	FetchDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "fetch_deferred_total",
		Help:      "Fetches postponed because the global rate budget was exhausted.",
	})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "teslasync",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of vehicle state fetches.",
		Buckets:   prometheus.DefBuckets,
	})

	WakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "wake_total",
		Help:      "Wake requests by outcome.",
	}, []string{"outcome"})

	CommandTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "command_total",
		Help:      "Dispatched commands by operation and outcome.",
	}, []string{"operation", "outcome"})

	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teslasync",
		Name:      "command_queue_depth",
		Help:      "Commands waiting in per-vehicle queues.",
	})

	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "token_refresh_total",
		Help:      "OAuth token refreshes by outcome.",
	}, []string{"outcome"})

	StreamFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "stream_frames_total",
		Help:      "Telemetry frames received over the streaming connection.",
	})

	StreamDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teslasync",
		Name:      "stream_dropped_total",
		Help:      "Telemetry frames dropped due to backpressure.",
	})
)

// Outcome label values shared across collectors.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeAsleep    = "asleep"
	OutcomeRejected  = "rejected"
	OutcomeRateLimit = "rate_limited"
	OutcomeTimeout   = "timeout"
)
