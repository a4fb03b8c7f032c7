package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Operations ---
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationAmount   *prometheus.CounterVec
	VaultsInitialized prometheus.Counter
	StoreTxDuration   prometheus.Histogram

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Ingestion ---
	CommandsReceived *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	NATSPullLatency  *prometheus.HistogramVec

	// --- Outbox ---
	OutboxPublished prometheus.Counter
	OutboxPending   prometheus.Gauge
	OutboxErrors    *prometheus.CounterVec
	OutboxRetry     prometheus.Counter
	OutboxBatchDur  prometheus.Histogram

	// --- Custody ---
	CustodyBreakerState *prometheus.GaugeVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		// Operations
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Vault operations by outcome (ok or error code)",
		}, []string{"operation", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "End-to-end operation latency including the store transaction",
			Buckets: opBuckets,
		}, []string{"operation"}),

		OperationAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operation_amount_total",
			Help: "Base units moved by successful operations",
		}, []string{"operation"}),

		VaultsInitialized: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_initialized_total",
			Help: "Vaults created",
		}),

		StoreTxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_store_tx_duration_seconds",
			Help:    "Store transaction duration",
			Buckets: opBuckets,
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate request ids caught (lru/store)",
		}, []string{"operation", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		// Ingestion
		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_received_total",
			Help: "Commands pulled from NATS",
		}, []string{"subject"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_rejected_total",
			Help: "Commands terminated without retry",
		}, []string{"subject", "reason"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: opBuckets,
		}, []string{"subject"}),

		// Outbox
		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_outbox_published_total",
			Help: "Notifications published to NATS",
		}),

		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_outbox_pending",
			Help: "Unpublished notifications seen in the last poll",
		}),

		OutboxErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_outbox_errors_total",
			Help: "Outbox relay errors",
		}, []string{"error_type"}),

		OutboxRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_outbox_retry_total",
			Help: "Outbox publish retries",
		}),

		OutboxBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_outbox_batch_duration_seconds",
			Help:    "Time to relay one outbox batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0},
		}),

		// Custody
		CustodyBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_custody_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}
