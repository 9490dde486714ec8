package monitor

import (
	"testing"
	"time"

	"github.com/glimte/iotlink/messaging"
	"github.com/stretchr/testify/assert"
)

func TestSimpleMetricsCollector(t *testing.T) {
	t.Run("NewSimpleMetricsCollector creates collector", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()
		assert.NotNil(t, collector)

		summary := collector.GetMetricsSummary()
		assert.Empty(t, summary.Batches)
		assert.Empty(t, summary.Received)
		assert.Empty(t, summary.Errors)
		assert.Empty(t, summary.FlushStats)
		assert.Zero(t, summary.Retries)
	})

	t.Run("RecordBatch counts batches and messages", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		collector.RecordBatch(messaging.OutcomeSent, 10, 1, 100*time.Millisecond)
		collector.RecordBatch(messaging.OutcomeSent, 5, 2, 200*time.Millisecond)
		collector.RecordBatch(messaging.OutcomeFailed, 3, 5, 150*time.Millisecond)

		summary := collector.GetMetricsSummary()
		assert.Equal(t, int64(2), summary.Batches[messaging.OutcomeSent])
		assert.Equal(t, int64(15), summary.Messages[messaging.OutcomeSent])
		assert.Equal(t, int64(1), summary.Batches[messaging.OutcomeFailed])

		stats := summary.FlushStats[messaging.OutcomeSent]
		assert.Equal(t, int64(2), stats.Count)
		assert.Equal(t, int64(150), stats.AvgMs)
		assert.Equal(t, int64(100), stats.MinMs)
		assert.Equal(t, int64(200), stats.MaxMs)
	})

	t.Run("Receive retry error and pending", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		collector.RecordReceive(messaging.OutcomeCompleted)
		collector.RecordReceive(messaging.OutcomeCompleted)
		collector.RecordReceive(messaging.OutcomeAbandoned)
		collector.RecordRetry(4)
		collector.RecordError("receiver", "poll")
		collector.RecordError("receiver", "poll")
		collector.RecordError("batch", "encode")
		collector.SetPending(7)

		summary := collector.GetMetricsSummary()
		assert.Equal(t, int64(2), summary.Received[messaging.OutcomeCompleted])
		assert.Equal(t, int64(1), summary.Received[messaging.OutcomeAbandoned])
		assert.Equal(t, int64(1), summary.Retries)
		assert.Equal(t, int64(2), summary.Errors["receiver"]["poll"])
		assert.Equal(t, int64(1), summary.Errors["batch"]["encode"])
		assert.Equal(t, 7, summary.Pending)
		assert.Equal(t, 7, collector.Pending())
	})

	t.Run("Percentile calculations work correctly", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()

		// 10, 20, ... 100 ms in reverse order
		for i := 10; i >= 1; i-- {
			collector.RecordBatch(messaging.OutcomeSent, 1, 1, time.Duration(i*10)*time.Millisecond)
		}

		stats := collector.GetMetricsSummary().FlushStats[messaging.OutcomeSent]
		assert.Equal(t, int64(50), stats.P50Ms)
		assert.Equal(t, int64(90), stats.P95Ms)
		assert.Equal(t, int64(90), stats.P99Ms)
	})

	t.Run("Sample window is bounded", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()
		for i := 0; i < maxSamples+50; i++ {
			collector.RecordBatch(messaging.OutcomeSent, 1, 1, time.Millisecond)
		}
		assert.Len(t, collector.flushTimes[messaging.OutcomeSent].samples, maxSamples)
		assert.Equal(t, int64(maxSamples+50), collector.GetMetricsSummary().FlushStats[messaging.OutcomeSent].Count)
	})

	t.Run("Summary is detached", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()
		collector.RecordError("batch", "encode")

		summary := collector.GetMetricsSummary()
		summary.Errors["batch"]["encode"] = 99

		assert.Equal(t, int64(1), collector.GetMetricsSummary().Errors["batch"]["encode"])
	})

	t.Run("Reset clears all metrics", func(t *testing.T) {
		collector := NewSimpleMetricsCollector()
		collector.RecordBatch(messaging.OutcomeSent, 1, 1, time.Millisecond)
		collector.RecordRetry(1)
		collector.SetPending(3)

		collector.Reset()

		summary := collector.GetMetricsSummary()
		assert.Empty(t, summary.Batches)
		assert.Zero(t, summary.Retries)
		assert.Zero(t, summary.Pending)
	})
}
