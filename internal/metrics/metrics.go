package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage counters and histograms for the ingestion and delivery paths.

var (
	// Ingest
	IngestBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ingest",
		Name:      "batches_total",
		Help:      "Total inbound webhook batches processed",
	})

	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Total events written, by destination category",
	}, []string{"category"})

	IngestEventsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ingest",
		Name:      "events_filtered_total",
		Help:      "Total events skipped by the owning job's event filter",
	})

	IngestEventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ingest",
		Name:      "event_errors_total",
		Help:      "Total per-event failures, by error kind",
	}, []string{"kind"})

	IngestBatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "ingest",
		Name:      "batch_duration_seconds",
		Help:      "Inbound batch processing duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Dispatch
	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Total outbound delivery attempts, by outcome",
	}, []string{"status"})

	DispatchRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "rate_limited_total",
		Help:      "Total deliveries dropped by the per-webhook rate limiter",
	})

	DispatchFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "filtered_total",
		Help:      "Total events silently dropped by webhook filter predicates",
	})

	DispatchDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "delivery_duration_seconds",
		Help:      "Outbound HTTP delivery round-trip duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Job lifecycle
	JobTasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "job",
		Name:      "tasks_active",
		Help:      "Background job tasks currently running",
	})

	JobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "job",
		Name:      "transitions_total",
		Help:      "Total job status transitions, by target status",
	}, []string{"status"})

	// Rate limiter
	RateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ratelimit",
		Name:      "denied_total",
		Help:      "Total token acquisitions denied",
	}, []string{"limiter"})

	// Circuit breaker
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per key (0=closed, 1=open, 2=half-open)",
	}, []string{"key"})

	// Database pools
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	}, []string{"pool"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	}, []string{"pool"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	}, []string{"pool"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	}, []string{"pool"})

	// Cache
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses",
	}, []string{"cache"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)

// statser matches the Stats method shared by *sql.DB and wrappers around it.
type statser interface {
	Stats() sql.DBStats
}

// PumpDBPoolStats publishes pool gauges for the named pool every interval
// until ctx is done. Run it in its own goroutine.
func PumpDBPoolStats(ctx context.Context, pool string, db statser, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBPoolOpen.WithLabelValues(pool).Set(float64(stats.OpenConnections))
			DBPoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))
			DBPoolIdle.WithLabelValues(pool).Set(float64(stats.Idle))
			DBPoolWaitCount.WithLabelValues(pool).Set(float64(stats.WaitCount))
		}
	}
}
