package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genie_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Submission metrics
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_submissions_total",
			Help: "Total number of submitted questions by outcome",
		},
		[]string{"outcome"},
	)

	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genie_submit_duration_seconds",
			Help:    "Duration of Submit calls in seconds, confirmation round-trips included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		},
	)

	MatchTierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_match_tier_hits_total",
			Help: "Number of searches answered by each match tier",
		},
		[]string{"tier"},
	)

	Confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_confirmations_total",
			Help: "Confirmation round-trips by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_routing_decisions_total",
			Help: "Routing decisions by worker kind and source",
		},
		[]string{"kind", "source"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genie_queue_depth",
			Help: "Number of jobs waiting in the dispatch queue",
		},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genie_jobs_in_flight",
			Help: "Number of jobs popped but not yet done",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_jobs_processed_total",
			Help: "Total number of jobs processed by consumers",
		},
		[]string{"kind", "status"},
	)

	JobProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genie_job_processing_duration_seconds",
			Help:    "Duration of job execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Snapshot store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_store_operations_total",
			Help: "Total number of snapshot store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genie_store_operation_duration_seconds",
			Help:    "Duration of snapshot store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StoreSnapshots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genie_store_snapshots",
			Help: "Number of snapshots held by the store",
		},
		[]string{"backend"},
	)

	StoreHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genie_store_health",
			Help: "Store health: 1 healthy, 0.5 degraded, 0 unhealthy",
		},
		[]string{"backend"},
	)

	// OpenAI metrics
	OpenAIAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_openai_api_calls_total",
			Help: "Total number of OpenAI API calls",
		},
		[]string{"call", "status"},
	)

	OpenAIAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genie_openai_api_call_duration_seconds",
			Help:    "Duration of OpenAI API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	EmbeddingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_embedding_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genie_events_published_total",
			Help: "Job state transition events by publisher and status",
		},
		[]string{"publisher", "status"},
	)
)

// Status maps an error to the status label used across counters.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
