// Package metrics defines the Prometheus instrumentation shared by the
// processor and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed        *prometheus.CounterVec
	EventProcessingSeconds prometheus.Histogram
	FramesComputed         prometheus.Counter
	FrameComputeErrors     prometheus.Counter
	ScopesCreated          prometheus.Counter
	FramesUpdated          prometheus.Counter
	ActiveScopes           prometheus.Gauge
	TrackedVehicles        prometheus.Gauge
	CleanupRuns            prometheus.Counter
	CleanupErrors          prometheus.Counter
	BreakerState           prometheus.Gauge
	HTTPRequests           *prometheus.CounterVec
	HTTPDurationSeconds    *prometheus.HistogramVec
}

// New builds a Metrics set on a fresh registry, including the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_events_processed_total",
			Help: "Stream envelopes handled by the processor, by kind and result.",
		}, []string{"kind", "result"}),

		EventProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_event_processing_seconds",
			Help:    "Wall time to process one envelope end to end.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		FramesComputed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_frames_computed_total",
			Help: "Scoped frames written by the frame computer.",
		}),

		FrameComputeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_frame_compute_errors_total",
			Help: "Per-scope failures during frame recomputation.",
		}),

		ScopesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_scopes_created_total",
			Help: "Scope definitions written or refreshed.",
		}),

		FramesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_frames_updated_total",
			Help: "Frame writes into the scope store.",
		}),

		ActiveScopes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_active_scopes",
			Help: "Currently live scope definitions.",
		}),

		TrackedVehicles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_tracked_vehicles",
			Help: "Vehicles held in memory across all cities.",
		}),

		CleanupRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cleanup_runs_total",
			Help: "Periodic vehicle-state cleanup executions.",
		}),

		CleanupErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_cleanup_errors_total",
			Help: "Cleanup executions that reported an error.",
		}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_circuit_breaker_state",
			Help: "Processor circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "HTTP requests served, by route, method and status code.",
		}, []string{"route", "method", "code"}),

		HTTPDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
