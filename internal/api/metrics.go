package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	editsApplied      *prometheus.CounterVec
	exportsEnqueued   *prometheus.CounterVec
	exportRejected    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	httpLabels := []string{"method", "route", "status"}

	return &metrics{
		registry: registry,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_api_requests_total",
			Help: "HTTP requests handled by the API.",
		}, httpLabels),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "darkroom_api_request_duration_seconds",
			Help: "API request latency in seconds.",
			// Slider drags are sub-millisecond store writes; exports return once queued.
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, httpLabels),
		rateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_api_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiting.",
		}, []string{"route"}),
		editsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_api_edits_applied_total",
			Help: "Slider values accepted by sessions, by field.",
		}, []string{"field"}),
		exportsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_queue_exports_enqueued_total",
			Help: "Exports handed to the bake queue.",
		}, []string{"queue"}),
		exportRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_api_export_rejections_total",
			Help: "Export requests refused before queueing, by reason.",
		}, []string{"reason"}),
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses session ids so label cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/v1/sessions":
		return path
	case strings.HasPrefix(path, "/v1/sessions/"):
		parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/v1/sessions/"), "/"), "/")
		if len(parts) == 2 {
			return "/v1/sessions/{id}/" + parts[1]
		}
		return "/v1/sessions/{id}"
	case path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
