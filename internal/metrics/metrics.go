// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inference       prometheus.Histogram
	preprocess      prometheus.Histogram
	cacheEvents     *prometheus.CounterVec
	datasetImages   prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "featurex", Subsystem: "http", Name: "requests_total", Help: "HTTP requests by route and status code."},
			[]string{"route", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: "featurex", Subsystem: "http", Name: "request_duration_seconds", Help: "HTTP request latency.", Buckets: prometheus.DefBuckets},
			[]string{"route"},
		),
		inference: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: "featurex", Name: "inference_duration_seconds", Help: "Model forward pass latency.", Buckets: prometheus.DefBuckets},
		),
		preprocess: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: "featurex", Name: "preprocess_duration_seconds", Help: "Decode, resize and normalize latency.", Buckets: prometheus.DefBuckets},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "featurex", Name: "cache_events_total", Help: "Feature cache lookups by result."},
			[]string{"result"},
		),
		datasetImages: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "featurex", Name: "dataset_images_total", Help: "Images processed by dataset preprocessing."},
		),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.inference,
		m.preprocess,
		m.cacheEvents,
		m.datasetImages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
}

func (m *Metrics) ObservePreprocess(d time.Duration) {
	if m == nil {
		return
	}
	m.preprocess.Observe(d.Seconds())
}

// CacheEvent records a cache lookup outcome: hit, miss or error.
func (m *Metrics) CacheEvent(result string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) AddDatasetImages(n int) {
	if m == nil {
		return
	}
	m.datasetImages.Add(float64(n))
}
