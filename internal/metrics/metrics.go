// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Ingested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteline_ingested_total",
		Help: "Telemetry records handled by the ingestion pipeline, labelled by kind and result.",
	}, []string{"kind", "result"})

	ConsentDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteline_consent_decisions_total",
		Help: "Consent gate decisions, labelled by reason.",
	}, []string{"reason"})

	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteline_goal_conversions_total",
		Help: "Goal conversion attempts, labelled by goal type and result.",
	}, []string{"goal_type", "result"})

	GoalsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siteline_goals_skipped_total",
		Help: "Goals skipped because their conditions could not be evaluated.",
	})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "siteline_query_duration_ms",
		Help:    "Aggregation query latency in milliseconds, labelled by metric.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	}, []string{"metric"})

	QueryCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteline_query_cache_total",
		Help: "Query cache lookups, labelled by result.",
	}, []string{"result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siteline_rate_limited_total",
		Help: "Ingestion requests rejected by the rate limiter.",
	})

	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteline_notification_failures_total",
		Help: "Notifications a subscriber failed to handle after all retries.",
	}, []string{"notification"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteline_job_runs_total",
		Help: "Background job executions, labelled by job and status.",
	}, []string{"job", "status"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
