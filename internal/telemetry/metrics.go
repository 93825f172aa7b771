// Package telemetry provides logging setup and Prometheus metrics for the
// group registry.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<GRP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Registry operation outcomes and the total group gauge
//   - Store transaction latency per backend
//   - Document uploads and audit shipping
//   - Recovered background panics
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/groups/:id), never
// the raw URL, so group ids do not create new series.
//
// Example PromQL queries:
//   - Request rate:     rate(http_requests_total[5m])
//   - p99 per route:    histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Registry metrics.
//
// RegistryOperationsTotal counts create_group and update_metadata calls by
// result (ok, already_exists, not_found, unauthorized, error).
//
// Example PromQL queries:
//   - Rejected creates:  rate(registry_operations_total{operation="create_group",result="already_exists"}[1h])
//   - Store failures:    sum(rate(registry_operations_total{result="error"}[5m]))
//
// RegistryTotalGroups mirrors the persisted creation counter as last seen by
// this process.
var (
	RegistryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_operations_total",
			Help: "Total number of registry mutations, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	RegistryTotalGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_total_groups",
			Help: "Number of groups ever created, as last observed by this process.",
		},
	)

	StoreTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_store_tx_duration_seconds",
			Help:    "Latency of store transactions, by backend and mode (update or view).",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"backend", "mode"},
	)

	StoreTxConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_store_tx_conflicts_total",
			Help: "Optimistic transaction retries caused by concurrent writers, by backend.",
		},
		[]string{"backend"},
	)
)

// Document and audit metrics.
var (
	DocumentsUploadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "documents_uploaded_total",
			Help: "Total number of metadata documents stored, by storage backend and signed status.",
		},
		[]string{"backend", "signed"},
	)

	AuditEventsShippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_shipped_total",
			Help: "Total number of audit events handed to shippers, by result.",
		},
		[]string{"result"},
	)
)

// BackgroundPanicsTotal counts panics recovered in background goroutines,
// by task name.
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_panics_total",
		Help: "Total number of panics recovered in background goroutines, by task.",
	},
	[]string{"task"},
)

// DBOpenConnections tracks the number of open connections held by the
// sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// ObserveStoreTx records the duration of a store transaction started at start.
func ObserveStoreTx(backend, mode string, start time.Time) {
	StoreTxDuration.WithLabelValues(backend, mode).Observe(time.Since(start).Seconds())
}

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until
// ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
