// Package middleware contains HTTP middleware and the prometheus metrics
// surface for both the API and the replacement pipeline.
package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Pipeline metrics below are recorded by the batch orchestrator and the
	// ads gateway.

	batchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replacement_batch_runs_total",
			Help: "Completed batch runs partitioned by final status",
		},
		[]string{"status"},
	)

	batchRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replacement_batch_run_duration_seconds",
			Help:    "Wall-clock duration of one tenant batch run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	campaignOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replacement_campaign_outcomes_total",
			Help: "Per-campaign outcomes partitioned by status (updated, skipped, error)",
		},
		[]string{"status"},
	)

	adsGatewayRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ads_gateway_retries_total",
			Help: "Retried ads API requests (rate limit or server error)",
		},
	)

	adsThrottleWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ads_throttle_wait_seconds",
			Help:    "Time spent waiting for the single-flight ads API slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	proxyExhaustionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_pool_exhaustions_total",
			Help: "Campaigns for which every egress provider was exhausted",
		},
	)
)

// RecordBatchRun records one finished tenant run.
func RecordBatchRun(status string, duration time.Duration) {
	batchRunsTotal.WithLabelValues(status).Inc()
	batchRunDuration.Observe(duration.Seconds())
}

// RecordCampaignOutcome counts one per-campaign verdict.
func RecordCampaignOutcome(status string) {
	campaignOutcomesTotal.WithLabelValues(status).Inc()
}

// RecordGatewayRetry counts one retried ads API request.
func RecordGatewayRetry() {
	adsGatewayRetriesTotal.Inc()
}

// ObserveThrottleWait records how long a caller queued for the ads API slot.
func ObserveThrottleWait(d time.Duration) {
	adsThrottleWait.Observe(d.Seconds())
}

// RecordProxyExhaustion counts one campaign that found no usable proxy.
func RecordProxyExhaustion() {
	proxyExhaustionsTotal.Inc()
}

// Metrics returns a Fiber v3 middleware that records basic Prometheus metrics.
// Labels are kept low-cardinality by using the matched route path when available.
func Metrics() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		err := c.Next()

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path // Use route template to avoid high cardinality
		}

		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(c.Response().StatusCode()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())

		return err
	}
}
