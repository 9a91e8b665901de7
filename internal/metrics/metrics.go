// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BookingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_requests_total",
		Help: "Booking mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the fixed-window rate limiter.",
	})

	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_outcomes_total",
		Help: "Idempotency-protected requests by outcome (executed, replayed, conflict, in_progress).",
	}, []string{"outcome"})

	CalendarSyncJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_sync_jobs_total",
		Help: "Calendar sync job executions by action and outcome.",
	}, []string{"action", "outcome"})

	CalendarSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calendar_sync_duration_seconds",
		Help:    "Duration of calendar provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
