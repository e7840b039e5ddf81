// Package metrics exposes the ingestion pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "octoingest"

// Metrics holds every collector. It satisfies the fetcher and scheduler
// observer interfaces.
type Metrics struct {
	pagesFetched    *prometheus.CounterVec
	readingsFetched *prometheus.CounterVec
	readingsSkipped *prometheus.CounterVec
	readingsWritten *prometheus.CounterVec
	fetchRetries    *prometheus.CounterVec
	meterFailures   *prometheus.CounterVec
	watermark       *prometheus.GaugeVec
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram

	// Requests and Latency instrument the status server.
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Pass a fresh registry in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		pagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Provider pages fetched.",
		}, []string{"meter_id"}),
		readingsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_fetched_total",
			Help:      "Raw readings received from the provider.",
		}, []string{"meter_id"}),
		readingsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_skipped_total",
			Help:      "Readings dropped during normalization, by reason.",
		}, []string{"meter_id", "reason"}),
		readingsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_written_total",
			Help:      "Canonical readings written to storage.",
		}, []string{"meter_id"}),
		fetchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Provider page requests retried.",
		}, []string{"key"}),
		meterFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meter_failures_total",
			Help:      "Meters skipped in a cycle, by pipeline stage.",
		}, []string{"meter_id", "stage"}),
		watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Newest ingested reading time per meter.",
		}, []string{"meter_id"}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Ingestion cycles run, by outcome.",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of an ingestion cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Status server requests by gRPC status code.",
		}, []string{"method", "code"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "Status server request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PageFetched(meterID string, readings int) {
	m.pagesFetched.WithLabelValues(meterID).Inc()
	m.readingsFetched.WithLabelValues(meterID).Add(float64(readings))
}

func (m *Metrics) PageRetried(key string) {
	m.fetchRetries.WithLabelValues(key).Inc()
}

func (m *Metrics) ReadingsSkipped(meterID, reason string, n int) {
	m.readingsSkipped.WithLabelValues(meterID, reason).Add(float64(n))
}

func (m *Metrics) ReadingsWritten(meterID string, n int) {
	m.readingsWritten.WithLabelValues(meterID).Add(float64(n))
}

func (m *Metrics) MeterFailed(meterID, stage string) {
	m.meterFailures.WithLabelValues(meterID, stage).Inc()
}

func (m *Metrics) WatermarkAdvanced(meterID string, t time.Time) {
	m.watermark.WithLabelValues(meterID).Set(float64(t.Unix()))
}

func (m *Metrics) CycleCompleted(d time.Duration, outcome string) {
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
}
