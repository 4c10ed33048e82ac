package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	exportsTotal       *prometheus.CounterVec
	exportDuration     *prometheus.HistogramVec
	activeExports      prometheus.Gauge
	gallerySavesTotal  *prometheus.CounterVec
	pixelsBakedTotal   prometheus.Counter
	outputBytesTotal   prometheus.Counter
	computeTimeMSTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_worker_exports_total",
			Help: "Export tasks by source type and final status.",
		}, []string{"source_type", "status"}),
		exportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "darkroom_worker_export_duration_seconds",
			Help:    "Wall time of each export task, including the gallery save.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source_type", "status"}),
		activeExports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "darkroom_worker_active_exports",
			Help: "Exports currently holding a bake slot.",
		}),
		gallerySavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_worker_gallery_saves_total",
			Help: "Edited images handed to the gallery, by result.",
		}, []string{"result"}),
		pixelsBakedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_usage_pixels_baked_total",
			Help: "Pixels run through the filter chain across successful exports.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_usage_output_bytes_total",
			Help: "Encoded bytes produced by successful exports.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_usage_compute_time_ms_total",
			Help: "Pipeline time in milliseconds across successful exports.",
		}),
	}

	registry.MustRegister(
		m.exportsTotal,
		m.exportDuration,
		m.activeExports,
		m.gallerySavesTotal,
		m.pixelsBakedTotal,
		m.outputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
