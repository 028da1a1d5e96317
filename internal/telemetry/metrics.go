// Package telemetry provides application-level observability for changetrail.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<CHANGETRAIL_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit pipeline counters: records written, build failures, secondary write failures
//   - Archive export runs
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/audit-records/:id)
// rather than the raw request URL. Build failures are labelled by entity name,
// which is bounded by the number of entity types in the application.
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
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and buckets
// from 5 ms to 30 s.
//
// Example PromQL queries:
//   - p99 latency per route:  histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Audit pipeline metrics.
//
// AuditRecordsWrittenTotal counts audit rows durably written, by action
// (Added, Modified, Deleted).
//
// AuditSecondaryWriteFailuresTotal counts commit cycles whose primary commit
// succeeded but whose audit write failed. Every increment is a batch of
// mutations with no audit trail, so any non-zero rate should page someone.
//
// Example PromQL queries:
//   - Alert expression:  increase(audit_secondary_write_failures_total[15m]) > 0
//
// AuditBuildFailuresTotal counts entities dropped from a batch because their
// record could not be built (snapshot error, missing identifier), by entity name.
var (
	AuditRecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Total number of audit records persisted, by action.",
		},
		[]string{"action"},
	)

	AuditSecondaryWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_secondary_write_failures_total",
			Help: "Total number of audit writes that failed after the primary commit succeeded.",
		},
	)

	AuditBuildFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_build_failures_total",
			Help: "Total number of entities whose audit record could not be built, by entity name.",
		},
		[]string{"entity"},
	)
)

// AuditArchiveRunsTotal counts archive export runs by status (success, failure).
//
// Example PromQL queries:
//   - Failing exports:  increase(audit_archive_runs_total{status="failure"}[1d]) > 0
var AuditArchiveRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_archive_runs_total",
		Help: "Total number of audit archive export runs, by status.",
	},
	[]string{"status"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per request.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <CHANGETRAIL_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every interval and updates the DBOpenConnections gauge. The goroutine
// exits when ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
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
