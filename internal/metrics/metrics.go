// Package metrics provides Prometheus metrics for the upload relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploadrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	relayPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadrelay_publishes_total",
			Help: "Upload messages handed to a broker",
		},
		[]string{"broker", "status"},
	)

	relayPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploadrelay_publish_duration_seconds",
			Help:    "Broker connect+publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"broker"},
	)

	relayBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadrelay_relayed_bytes_total",
			Help: "Encoded message bytes accepted by a broker",
		},
		[]string{"broker"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploadrelay_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadrelay_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	presignFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadrelay_presign_failures_total",
			Help: "Keys whose presigned URL could not be generated",
		},
		[]string{"style"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordPublish records one broker publish attempt.
func RecordPublish(broker string, bytes int, duration time.Duration, success bool) {
	relayPublishesTotal.WithLabelValues(broker, status(success)).Inc()
	relayPublishDuration.WithLabelValues(broker).Observe(duration.Seconds())
	if success {
		relayBytesTotal.WithLabelValues(broker).Add(float64(bytes))
	}
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordPresignFailure counts a key left without a URL.
func RecordPresignFailure(style string) {
	presignFailuresTotal.WithLabelValues(style).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
