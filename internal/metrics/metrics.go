// Package metrics exposes Prometheus collectors on a dedicated registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agendaflow"

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	retrievalDuration  prometheus.Histogram
	generationDuration prometheus.Histogram
	rebuilds           *prometheus.CounterVec
	rebuildDuration    prometheus.Histogram
	indexSize          prometheus.Gauge
	eventsRejected     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "HTTP requests by endpoint and status code",
	}, []string{"endpoint", "status"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
	m.retrievalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "Time spent parsing, searching and re-ranking a question",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
	m.generationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Time spent generating an answer",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	m.rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebuilds_total",
		Help:      "Index rebuilds by outcome",
	}, []string{"status"})
	m.rebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rebuild_duration_seconds",
		Help:      "Wall time of successful rebuilds",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	m.indexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_size",
		Help:      "Number of events in the active generation",
	})
	m.eventsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_rejected_total",
		Help:      "Raw records rejected by the normalizer",
	})

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.retrievalDuration,
		m.generationDuration,
		m.rebuilds,
		m.rebuildDuration,
		m.indexSize,
		m.eventsRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetrieval(d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.generationDuration.Observe(d.Seconds())
}

// RebuildSucceeded records a published generation of size events.
func (m *Metrics) RebuildSucceeded(size, rejected int, d time.Duration) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues("success").Inc()
	m.rebuildDuration.Observe(d.Seconds())
	m.indexSize.Set(float64(size))
	m.eventsRejected.Add(float64(rejected))
}

// RebuildFailed counts a failed rebuild. status is "error" or "conflict".
func (m *Metrics) RebuildFailed(status string) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(status).Inc()
}

// SetIndexSize reports the size of a generation loaded from disk.
func (m *Metrics) SetIndexSize(size int) {
	if m == nil {
		return
	}
	m.indexSize.Set(float64(size))
}
