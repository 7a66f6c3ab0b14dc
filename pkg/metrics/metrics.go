package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valetkey_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_db_transactions_total",
			Help: "Total number of database transactions by outcome",
		},
		[]string{"status"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "valetkey_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valetkey_db_pool_total_conns",
			Help: "Total connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valetkey_db_pool_in_use_conns",
			Help: "Connections currently acquired from the pool",
		},
		[]string{"role"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"store", "operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valetkey_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"store", "operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_storage_operation_errors_total",
			Help: "Storage errors by operation and class",
		},
		[]string{"store", "operation", "error_type"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valetkey_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_circuit_breaker_rejections_total",
			Help: "Calls refused because the breaker was open",
		},
		[]string{"name"},
	)
)

// Job queue metrics
var (
	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_queue_operations_total",
			Help: "Job queue operations by driver and result",
		},
		[]string{"driver", "operation", "result"},
	)

	QueueOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valetkey_queue_operation_duration_seconds",
			Help:    "Duration of job queue operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"driver", "operation"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valetkey_queue_depth",
			Help: "Jobs in the queue by state",
		},
		[]string{"state"},
	)

	QueueRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valetkey_queue_requeued_total",
			Help: "Jobs returned to pending after their lease expired",
		},
	)
)

// Replication pipeline metrics
var (
	BackupJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_backup_jobs_total",
			Help: "Replication jobs processed by final status",
		},
		[]string{"status"},
	)

	BackupAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_backup_attempts_total",
			Help: "Individual replication attempts by result",
		},
		[]string{"result"},
	)

	BackupEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_backup_enqueue_total",
			Help: "Enqueue calls by result",
		},
		[]string{"result"},
	)

	BackupBytesReplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valetkey_backup_bytes_replicated_total",
			Help: "Bytes written to secondary storage",
		},
	)

	BackupStatusRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "valetkey_backup_status_records",
			Help: "Live resources by backup status",
		},
		[]string{"status"},
	)

	BackupInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "valetkey_backup_in_flight",
			Help: "Jobs currently being processed by workers",
		},
	)
)

// Quota cache metrics
var (
	QuotaCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valetkey_quota_cache_hits_total",
			Help: "Quota lookups served from cache",
		},
	)

	QuotaCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "valetkey_quota_cache_misses_total",
			Help: "Quota lookups that computed the authoritative sum",
		},
	)

	QuotaCacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_quota_cache_invalidations_total",
			Help: "Quota cache invalidations by scope",
		},
		[]string{"scope"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valetkey_http_requests_total",
			Help: "Internal API requests by route and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valetkey_http_request_duration_seconds",
			Help:    "Internal API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
