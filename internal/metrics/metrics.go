// Package metrics registers the Prometheus metrics exported by the gateway.
// Import this package (it self-registers via promauto) before mounting the
// /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts dispatched requests labelled by group, provider_kind
	// and outcome ("success" or "error").
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_requests_total",
			Help: "Total number of requests dispatched by the gateway.",
		},
		[]string{"group", "provider_kind", "outcome"},
	)

	// DispatchDuration observes end-to-end dispatch latency in seconds.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"group", "provider_kind"},
	)

	// KeyHealthState tracks per-key health as a gauge: 0=unknown 1=healthy
	// 2=warning 3=unhealthy.
	KeyHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_key_health_state",
			Help: "Key health state per (group, key_hash): 0=unknown 1=healthy 2=warning 3=unhealthy.",
		},
		[]string{"group", "key_hash"},
	)

	// LogQueueDepth tracks the current depth of the async log pipeline queue.
	LogQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_log_queue_depth",
			Help: "Current number of items pending in the async log pipeline queue.",
		},
	)

	// LogQueueDropped counts items dropped by the log pipeline's back-pressure policy.
	LogQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_log_queue_dropped_total",
			Help: "Total items dropped from the log pipeline queue under back-pressure.",
		},
	)

	// SelectorNoViableKey counts requests for which no viable key could be selected.
	SelectorNoViableKey = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_selector_no_viable_key_total",
			Help: "Total selections that failed to find a viable key.",
		},
		[]string{"group"},
	)

	// ProviderHealthy tracks a group's last provider-level probe result as a
	// gauge: 1=healthy 0=unhealthy.
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_provider_healthy",
			Help: "Group provider-level probe result: 1=healthy 0=unhealthy.",
		},
		[]string{"group"},
	)
)
