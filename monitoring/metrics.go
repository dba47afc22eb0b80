package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "forestserve"

// Failure kinds reported by ObserveFailure.
const (
	FailureValidation  = "validation"
	FailureUnavailable = "unavailable"
	FailureInference   = "inference"
)

// Metrics is the Prometheus instrumentation of the predictor service. Each
// instance owns its registry so tests and multiple servers don't collide.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	predictions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	modelInfo   *prometheus.GaugeVec
	modelReady  prometheus.Gauge
	modelStale  prometheus.Gauge
	feedClients prometheus.Gauge
}

// NewMetrics registers the service collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served by label.",
		}, []string{"label"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_failures_total",
			Help:      "Rejected or failed prediction requests by kind.",
		}, []string{"kind"}),
		modelInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_info",
			Help:      "Loaded model artifact; always 1.",
		}, []string{"kind", "run_id", "schema_version"}),
		modelReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_ready",
			Help:      "1 when a model is loaded.",
		}),
		modelStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_stale",
			Help:      "1 when the artifact changed on disk after startup.",
		}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected prediction feed clients.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.predictions,
		m.failures,
		m.modelInfo,
		m.modelReady,
		m.modelStale,
		m.feedClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	// failure kinds are exported at zero before the first failure
	for _, kind := range []string{FailureValidation, FailureUnavailable, FailureInference} {
		m.failures.WithLabelValues(kind)
	}
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts a request and records its latency under route.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObservePrediction counts a served prediction by label.
func (m *Metrics) ObservePrediction(label int) {
	m.predictions.WithLabelValues(strconv.Itoa(label)).Inc()
}

// ObserveFailure counts a failed prediction by kind.
func (m *Metrics) ObserveFailure(kind string) {
	m.failures.WithLabelValues(kind).Inc()
}

// SetModel publishes the loaded model; an empty kind marks the service as
// having no model.
func (m *Metrics) SetModel(kind, runID string, schemaVersion int) {
	m.modelInfo.Reset()
	if kind == "" {
		m.modelReady.Set(0)
		return
	}
	m.modelInfo.WithLabelValues(kind, runID, strconv.Itoa(schemaVersion)).Set(1)
	m.modelReady.Set(1)
}

// SetStale reports whether the artifact changed after load.
func (m *Metrics) SetStale(stale bool) {
	if stale {
		m.modelStale.Set(1)
	} else {
		m.modelStale.Set(0)
	}
}

// SetFeedClients reports connected feed clients.
func (m *Metrics) SetFeedClients(n int) {
	m.feedClients.Set(float64(n))
}
