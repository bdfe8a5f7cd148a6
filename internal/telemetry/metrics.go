// Package telemetry provides application-level observability for the audit service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served by
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<SMS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit write outcomes, by status
//   - Audit read/statistics query latency, by operation
//   - Audit retention deletions and the detected schema tier
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/admin/audit-logs/:id), never
// the raw URL, to keep label cardinality bounded.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// AuditWritesTotal counts every audit write attempt by outcome: ok, rejected (missing
// action or user), failed (storage error) or skipped (audit disabled). A rising failed
// rate means business operations are completing without an audit trail.
//
// Example PromQL queries:
//   - Failure ratio:  sum(rate(audit_writes_total{status="failed"}[5m])) / sum(rate(audit_writes_total[5m]))
var AuditWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_writes_total",
		Help: "Total number of audit write attempts, by outcome.",
	},
	[]string{"status"},
)

// AuditQueryDuration observes the latency of list, get and statistics requests against
// the audit store.
//
// Example PromQL queries:
//   - p95 stats latency:  histogram_quantile(0.95, sum by (le) (rate(audit_query_duration_seconds_bucket{operation="stats"}[5m])))
var AuditQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "audit_query_duration_seconds",
		Help:    "Duration of audit read queries, by operation.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// AuditRetentionDeletedTotal accumulates rows removed by retention sweeps, whether run by
// the background job, the admin API or the CLI.
var AuditRetentionDeletedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_retention_deleted_total",
		Help: "Total number of audit log rows deleted by retention sweeps.",
	},
)

// AuditSchemaTier exposes the detected audit_logs layout as a 0/1 gauge per tier, so a
// deployment still on the basic layout is visible on dashboards.
var AuditSchemaTier = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "audit_schema_tier",
		Help: "Detected audit_logs column layout (1 for the active tier).",
	},
	[]string{"tier"},
)

// SetAuditSchemaTier marks tier as the active layout and clears the others
func SetAuditSchemaTier(tier string, all []string) {
	for _, t := range all {
		v := 0.0
		if t == tier {
			v = 1
		}
		AuditSchemaTier.WithLabelValues(t).Set(v)
	}
}

// DBOpenConnections tracks open connections in the sql.DB pool. It is sampled every 30
// seconds by StartDBStatsCollector rather than per request.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <SMS_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until the database
// becomes unreachable, which happens once main closes it on shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
