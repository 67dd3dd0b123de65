// Package metrics exposes formrelay's Prometheus collectors. Every method
// is a no-op on a nil *Metrics, so callers never need to check.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formrelay"

// channelBuckets cover a fast webhook up to the default channel timeout.
var channelBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

type Metrics struct {
	Registry *prometheus.Registry

	Submissions  *prometheus.CounterVec // by outcome
	Deliveries   *prometheus.CounterVec // by integration kind and status
	SinkErrors   *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	QueueDepth *prometheus.GaugeVec

	ChannelLatency    *prometheus.HistogramVec
	BatchFlushLatency *prometheus.HistogramVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a fresh registry, so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		Registry: reg,

		Submissions:  counter("submissions_total", "Form submissions by outcome.", "outcome"),
		Deliveries:   counter("deliveries_total", "Channel attempts by integration kind and status.", "kind", "status"),
		SinkErrors:   counter("sink_errors_total", "Errors writing deliveries to a sink.", "sink", "error_type"),
		HTTPRequests: counter("http_requests_total", "HTTP requests by route, method and status.", "endpoint", "method", "status"),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Deliveries waiting in a sink.",
		}, []string{"sink"}),

		ChannelLatency:    histogram("channel_latency_seconds", "Time spent delivering to one integration.", channelBuckets, "kind"),
		BatchFlushLatency: histogram("batch_flush_latency_seconds", "Time to flush a batch of deliveries to a sink.", prometheus.DefBuckets, "sink"),
		HTTPDuration:      histogram("http_duration_seconds", "HTTP request duration by route.", prometheus.DefBuckets, "endpoint", "method"),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncrementSubmissions(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

// ObserveDelivery counts one channel attempt and records its latency.
func (m *Metrics) ObserveDelivery(kind, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(kind, status).Inc()
	m.ChannelLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) SetQueueDepth(sink string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(sink).Set(depth)
}

func (m *Metrics) ObserveBatchFlushLatency(sink string, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchFlushLatency.WithLabelValues(sink).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(d.Seconds())
}
