/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelClass   = "class"
	labelOutcome = "outcome"
	labelTier    = "tier"
	labelState   = "state"
)

// Request outcomes used as label values.
const (
	OutcomeSuccess         = "success"
	OutcomeError           = "error"
	OutcomeRateLimited     = "rate_limited"
	OutcomeQueueTimeout    = "queue_timeout"
	OutcomeProcessingError = "processing_failed"
)

// ClassDirect is the class label of requests dispatched without queueing.
const ClassDirect = "direct"

// DefaultRequestDurationBuckets are the buckets (in seconds) of the admission request duration histogram.
var DefaultRequestDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels
	// Queues, if set, is called on every scrape to export queue class counters.
	Queues func() []QueueStats
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// PrometheusMetrics exports admission metrics in Prometheus format.
type PrometheusMetrics struct {
	Durations   *prometheus.HistogramVec
	InFlight    prometheus.Gauge
	RateLimited *prometheus.CounterVec
	FailOpen    prometheus.Counter
	Queue       *QueueCollector

	registerer prometheus.Registerer
}

// NewPrometheusMetrics creates a new PrometheusMetrics.
func NewPrometheusMetrics(opts PrometheusMetricsOpts) *PrometheusMetrics {
	if opts.DurationBuckets == nil {
		opts.DurationBuckets = DefaultRequestDurationBuckets
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_request_duration_seconds",
			Help:        "A histogram of the durations of requests passed through admission control.",
			Buckets:     opts.DurationBuckets,
			ConstLabels: opts.ConstLabels,
		}, []string{labelClass, labelOutcome}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_requests_in_flight",
			Help:        "Current number of requests inside admission control.",
			ConstLabels: opts.ConstLabels,
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_rate_limited_total",
			Help:        "Number of requests rejected because the caller's bucket was exhausted.",
			ConstLabels: opts.ConstLabels,
		}, []string{labelTier}),
		FailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_fail_open_total",
			Help:        "Number of requests dispatched directly because the queue backend was unavailable.",
			ConstLabels: opts.ConstLabels,
		}),
		registerer: opts.Registerer,
	}
	if opts.Queues != nil {
		m.Queue = NewQueueCollector(opts.Namespace, opts.ConstLabels, opts.Queues)
	}
	return m
}

// ObserveRequest records the duration of a finished request.
func (m *PrometheusMetrics) ObserveRequest(class, outcome string, d time.Duration) {
	m.Durations.WithLabelValues(class, outcome).Observe(d.Seconds())
}

func (m *PrometheusMetrics) collectors() []prometheus.Collector {
	cs := []prometheus.Collector{m.Durations, m.InFlight, m.RateLimited, m.FailOpen}
	if m.Queue != nil {
		cs = append(cs, m.Queue)
	}
	return cs
}

// MustRegisterMetrics registers all metrics and panics if any error occurs.
// Implements service.MetricsRegisterer.
func (m *PrometheusMetrics) MustRegisterMetrics() {
	m.registerer.MustRegister(m.collectors()...)
}

// UnregisterMetrics cancels registration of all metrics.
func (m *PrometheusMetrics) UnregisterMetrics() {
	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
}

// QueueCollector exports per-class queue counters read at scrape time.
type QueueCollector struct {
	gauge   *prometheus.Desc
	counter *prometheus.Desc
	read    func() []QueueStats
}

var _ prometheus.Collector = (*QueueCollector)(nil)

// NewQueueCollector creates a new QueueCollector.
func NewQueueCollector(namespace string, constLabels prometheus.Labels, read func() []QueueStats) *QueueCollector {
	return &QueueCollector{
		gauge: prometheus.NewDesc(prometheus.BuildFQName(namespace, "admission", "queue_tickets"),
			"Current number of tickets per queue class and state.", []string{labelClass, labelState}, constLabels),
		counter: prometheus.NewDesc(prometheus.BuildFQName(namespace, "admission", "queue_tickets_finished_total"),
			"Number of tickets that reached a terminal state.", []string{labelClass, labelState}, constLabels),
		read: read,
	}
}

// Describe implements prometheus.Collector.
func (qc *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- qc.gauge
	ch <- qc.counter
}

// Collect implements prometheus.Collector.
func (qc *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range qc.read() {
		ch <- prometheus.MustNewConstMetric(qc.gauge, prometheus.GaugeValue, float64(q.Waiting), q.Name, "waiting")
		ch <- prometheus.MustNewConstMetric(qc.gauge, prometheus.GaugeValue, float64(q.Active), q.Name, "active")
		ch <- prometheus.MustNewConstMetric(qc.counter, prometheus.CounterValue, float64(q.Completed), q.Name, "completed")
		ch <- prometheus.MustNewConstMetric(qc.counter, prometheus.CounterValue, float64(q.Failed), q.Name, "failed")
		ch <- prometheus.MustNewConstMetric(qc.counter, prometheus.CounterValue, float64(q.Expired), q.Name, "expired")
	}
}
