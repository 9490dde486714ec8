package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/iotlink/messaging"
)

const maxSamples = 100

// SimpleMetricsCollector implements messaging.MetricsCollector in memory.
// It backs the CLI summary and tests; PrometheusCollector exports the same
// signals.
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	// Batch counters by outcome
	batchCounters map[string]int64

	// Messages per batch outcome
	messageCounters map[string]int64

	// Receive counters by acknowledgment outcome
	receiveCounters map[string]int64

	// Error counters by component and error type
	errorCounters map[string]map[string]int64

	retries int64
	pending int

	// Flush duration stats by outcome
	flushTimes map[string]*TimeStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last maxSamples for percentiles
}

var _ messaging.MetricsCollector = (*SimpleMetricsCollector)(nil)

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.Reset()
	return c
}

// RecordBatch implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordBatch(outcome string, size int, attempts int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchCounters[outcome]++
	c.messageCounters[outcome] += int64(size)

	durationMs := duration.Milliseconds()
	stats, exists := c.flushTimes[outcome]
	if !exists {
		stats = &TimeStats{
			MinMs:   durationMs,
			MaxMs:   durationMs,
			samples: make([]int64, 0, maxSamples),
		}
		c.flushTimes[outcome] = stats
	}

	stats.Count++
	stats.TotalMs += durationMs
	stats.MinMs = min(stats.MinMs, durationMs)
	stats.MaxMs = max(stats.MaxMs, durationMs)

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, durationMs)
}

// RecordRetry implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordRetry(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

// RecordReceive implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordReceive(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveCounters[outcome]++
}

// RecordError implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordError(component string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[component] == nil {
		c.errorCounters[component] = make(map[string]int64)
	}
	c.errorCounters[component][errorType]++
}

// SetPending implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) SetPending(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = n
}

// Pending returns the last reported buffer size
func (c *SimpleMetricsCollector) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Batches:    copyCounts(c.batchCounters),
		Messages:   copyCounts(c.messageCounters),
		Received:   copyCounts(c.receiveCounters),
		Errors:     make(map[string]map[string]int64),
		Retries:    c.retries,
		Pending:    c.pending,
		FlushStats: make(map[string]ProcessingStats),
	}

	for component, errs := range c.errorCounters {
		summary.Errors[component] = copyCounts(errs)
	}

	for outcome, stats := range c.flushTimes {
		procStats := ProcessingStats{
			Count: stats.Count,
			MinMs: stats.MinMs,
			MaxMs: stats.MaxMs,
		}
		if stats.Count > 0 {
			procStats.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := slices.Clone(stats.samples)
			slices.Sort(sorted)
			procStats.P50Ms = percentile(sorted, 0.50)
			procStats.P95Ms = percentile(sorted, 0.95)
			procStats.P99Ms = percentile(sorted, 0.99)
		}
		summary.FlushStats[outcome] = procStats
	}

	return summary
}

// percentile picks from an ascending slice
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	Batches    map[string]int64            `json:"batches"`
	Messages   map[string]int64            `json:"messages"`
	Received   map[string]int64            `json:"received"`
	Errors     map[string]map[string]int64 `json:"errors"`
	Retries    int64                       `json:"retries"`
	Pending    int                         `json:"pending"`
	FlushStats map[string]ProcessingStats  `json:"flush_stats"`
}

// ProcessingStats represents flush time statistics for one outcome
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchCounters = make(map[string]int64)
	c.messageCounters = make(map[string]int64)
	c.receiveCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.flushTimes = make(map[string]*TimeStats)
	c.retries = 0
	c.pending = 0
}
