// Package telemetry provides application-level observability for the audit ledger.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<LEDGER_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, so query and
// export traffic never competes with scrapes.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Ledger ingest, query and export counters
//   - Rate limiter rejections by limit type
//   - Notifier queue drops and delivery failures
//   - Export archive job outcomes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled by org, user or cursor. HTTP metrics use c.FullPath() so
// archive ids in the URL do not create new series.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code. Streams torn down
// mid-body are recorded with status "aborted".
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// Export responses can run for minutes, hence the long tail buckets.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120, 600},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight is mostly long-running exports and archive downloads
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Histogram of HTTP response body sizes, by method and route template.",
			Buckets: prometheus.ExponentialBuckets(256, 8, 9),
		},
		[]string{"method", "path"},
	)
)

// Ledger metrics, recorded by the event service.
//
// EventsIngestedTotal counts successful inserts by actor type.
//
// QueryDuration observes one store round trip, labelled by kind: "page", "count" or
// "export_batch". A slow export_batch with a fast page usually means the export filter
// cannot use the (org_id, created_at, id) index.
//
// ExportRowsTotal and ExportFailuresTotal are labelled by format ("csv", "json").
//
// Example PromQL queries:
//   - Ingest rate:             rate(ledger_events_ingested_total[5m])
//   - p95 page latency:        histogram_quantile(0.95, rate(ledger_query_duration_seconds_bucket{kind="page"}[5m]))
//   - Export failure ratio:    rate(ledger_export_failures_total[1h]) / rate(ledger_exports_total[1h])
var (
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_ingested_total",
			Help: "Total number of audit events appended, by actor type.",
		},
		[]string{"actor_type"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "Duration of a single event store query, by kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_exports_total",
			Help: "Total number of exports started, by format.",
		},
		[]string{"format"},
	)

	ExportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_export_rows_total",
			Help: "Total number of rows written by exports, by format.",
		},
		[]string{"format"},
	)

	ExportFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_export_failures_total",
			Help: "Total number of exports that ended in an error after starting, by format.",
		},
		[]string{"format"},
	)
)

// RateLimitRejectionsTotal is a CounterVec with label {limit_type}.
//
// Example PromQL queries:
//   - Rejections by type:  sum by (limit_type) (rate(ratelimit_rejections_total[5m]))
var RateLimitRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter, by limit type.",
	},
	[]string{"limit_type"},
)

// Notifier metrics, recorded by the post-insert notification dispatcher.
//
// NotifierDroppedTotal increases when the queue is full and an event is discarded
// instead of blocking the insert. NotifierFailuresTotal is labelled by shipper type.
//
// Example PromQL queries:
//   - Alert on drops:  increase(notifier_dropped_total[10m]) > 0
var (
	NotifierDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_dropped_total",
			Help: "Total number of event notifications dropped because the queue was full.",
		},
	)

	NotifierFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_failures_total",
			Help: "Total number of notification deliveries that failed, by shipper type.",
		},
		[]string{"shipper"},
	)
)

// ArchiveJobsTotal is a CounterVec with label {status} ("completed", "failed").
var ArchiveJobsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "export_archive_jobs_total",
		Help: "Total number of export archive jobs finished, by outcome.",
	},
	[]string{"status"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <LEDGER_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// ObserveQuery records the time since start under kind
func ObserveQuery(kind string, start time.Time) {
	QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable (db.Ping fails),
// which happens when the application shuts down and closes the pool.
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
