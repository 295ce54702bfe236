package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpResponseBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_http_response_bytes_total",
			Help: "Bytes written in HTTP responses by route.",
		},
		[]string{"route"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_http_requests_in_flight",
		Help: "HTTP requests being served, including open step streams.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpResponseBytes, httpInFlight)
}

// metricsMiddleware labels by chi route pattern so execution ids do not
// become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpResponseBytes.WithLabelValues(route).Add(float64(ww.BytesWritten()))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
