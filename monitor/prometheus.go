package monitor

import (
	"time"

	"github.com/glimte/iotlink/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports connector metrics to Prometheus
type PrometheusCollector struct {
	batches       *prometheus.CounterVec
	messages      *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	attempts      prometheus.Histogram
	retries       prometheus.Counter
	received      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	pending       prometheus.Gauge
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers it with reg.
// Pass prometheus.DefaultRegisterer to expose it on promhttp.Handler().
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if namespace == "" {
		namespace = "iotlink"
	}

	c := &PrometheusCollector{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Flushed batches by outcome",
		}, []string{"outcome"}), // sent|failed|callback_error
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages in flushed batches by outcome",
		}, []string{"outcome"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time to flush a batch including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_attempts",
			Help:      "Send attempts per flushed batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Batch send retries",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_total",
			Help:      "Received messages by acknowledgment",
		}, []string{"outcome"}), // completed|abandoned|ack_failed
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and type",
		}, []string{"component", "type"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Messages buffered for the next flush",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.batches, c.messages, c.flushDuration, c.attempts,
		c.retries, c.received, c.errors, c.pending,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordBatch implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordBatch(outcome string, size int, attempts int, duration time.Duration) {
	c.batches.WithLabelValues(outcome).Inc()
	c.messages.WithLabelValues(outcome).Add(float64(size))
	c.flushDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	c.attempts.Observe(float64(attempts))
}

// RecordRetry implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRetry(size int) {
	c.retries.Inc()
}

// RecordReceive implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordReceive(outcome string) {
	c.received.WithLabelValues(outcome).Inc()
}

// RecordError implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordError(component string, errorType string) {
	c.errors.WithLabelValues(component, errorType).Inc()
}

// SetPending implements messaging.MetricsCollector
func (c *PrometheusCollector) SetPending(n int) {
	c.pending.Set(float64(n))
}
