package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement ledger.
// A nil *Metrics is valid everywhere it is accepted and records nothing.
type Metrics struct {
	// --- Commit orchestration ---
	CommitsTotal   *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec
	TradesRecorded *prometheus.CounterVec
	NotionalE6     *prometheus.CounterVec

	// --- User aggregates ---
	AggregatesCreated prometheus.Counter
	AggregatesUpdated prometheus.Counter

	// --- Storage ---
	StorageBytesAllocated prometheus.Counter
	LamportsCharged       prometheus.Counter

	// --- Idempotency ---
	IdempotencyHits      *prometheus.CounterVec
	IdempotencyLRUSize   prometheus.Gauge
	IdempotencyEvictions prometheus.Counter

	// --- Ingestion & publish ---
	NATSMessages    *prometheus.CounterVec
	PublishFailures prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	commitBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_commits_total",
			Help: "Settlement commit operations by entry point and outcome",
		}, []string{"entrypoint", "outcome"}),

		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_rejections_total",
			Help: "Rejected operations by entry point and error kind",
		}, []string{"entrypoint", "error"}),

		CommitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_commit_duration_seconds",
			Help:    "Wall time of one commit including the storage transaction",
			Buckets: commitBuckets,
		}, []string{"entrypoint"}),

		TradesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_trades_recorded_total",
			Help: "Trades recorded in committed batches",
		}, []string{"market"}),

		NotionalE6: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_notional_e6_total",
			Help: "Sum of recorded trade notionals in e6 units",
		}, []string{"market"}),

		AggregatesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_user_aggregates_created_total",
			Help: "User aggregates initialized",
		}),

		AggregatesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_user_aggregates_updated_total",
			Help: "User aggregate writes from committed batches",
		}),

		StorageBytesAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_storage_bytes_allocated_total",
			Help: "Bytes of account storage allocated by committed operations",
		}),

		LamportsCharged: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_lamports_charged_total",
			Help: "Lamports charged to payers for storage",
		}),

		IdempotencyHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_idempotency_hits_total",
			Help: "Duplicate batch submissions caught (lru/storage)",
		}, []string{"tier"}),

		IdempotencyLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "settle_idempotency_lru_size",
			Help: "Recorded addresses held in the idempotency LRU",
		}),

		IdempotencyEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_idempotency_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		NATSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_nats_messages_total",
			Help: "Inbound NATS messages by disposition (ack/nak/term)",
		}, []string{"disposition"}),

		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "settle_publish_failures_total",
			Help: "Outbound ledger events that failed to publish",
		}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_requests_total",
			Help: "HTTP API requests by route and status code",
		}, []string{"route", "code"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_query_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
	}
}
