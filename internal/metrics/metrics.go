// Package metrics registers the Prometheus instrumentation for the
// Coordinator's hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the Coordinator.
type Metrics struct {
	// Ingestion
	IngestAcceptSeconds prometheus.Histogram
	IngestRejected      *prometheus.CounterVec
	QueueDepth          prometheus.Gauge

	// Dispatch
	DispatchTotal    *prometheus.CounterVec
	DispatchSeconds  *prometheus.HistogramVec
	CascadeDepth     prometheus.Histogram
	BreakerOpen      *prometheus.GaugeVec

	// Registry / health
	RegisteredMCPs *prometheus.GaugeVec
	HeartbeatTotal prometheus.Counter

	// Log pipeline
	BatchSize        prometheus.Histogram
	StoreWriteErrors prometheus.Counter
	DeadLettered     prometheus.Counter
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		IngestAcceptSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_ingest_accept_seconds",
			Help:    "In-process latency of interaction event acceptance",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_ingest_rejected_total",
			Help: "Interaction events rejected at the ingestion API",
		}, []string{"reason"}), // reason: queue_full, bad_request, forbidden
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "coord_ingest_queue_depth",
			Help: "Current depth of the interaction queue",
		}),
		DispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_dispatch_total",
			Help: "Outbound dispatch attempts by outcome",
		}, []string{"mcp_id", "outcome"}), // outcome: ok, timeout, transport, remote_error, malformed_response, canceled
		DispatchSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coord_dispatch_seconds",
			Help:    "Outbound dispatch call duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"mcp_id"}),
		CascadeDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_cascade_attempts",
			Help:    "Number of MCPs attempted per routed request",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		BreakerOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coord_breaker_open",
			Help: "1 when the MCP's circuit breaker is open",
		}, []string{"mcp_id"}),
		RegisteredMCPs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coord_registered_mcps",
			Help: "Registered MCPs by status",
		}, []string{"status"}),
		HeartbeatTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_heartbeats_total",
			Help: "Heartbeats accepted",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_log_batch_size",
			Help:    "Events per log-processor batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		StoreWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_store_write_errors_total",
			Help: "Failed interaction store writes (before retry)",
		}),
		DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coord_dead_lettered_total",
			Help: "Interaction records dropped to the dead-letter file",
		}),
	}
}
