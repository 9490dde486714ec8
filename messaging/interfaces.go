package messaging

import (
	"context"
	"time"
)

// MessageHandler processes an inbound payload.
// Returning true completes the message, false abandons it.
type MessageHandler func(ctx context.Context, payload []byte) bool

// ErrorHandler is told about a failed single-shot receive.
// Its verdict acknowledges a message that was received before the failure.
type ErrorHandler func(ctx context.Context, err error) bool

// RetryCallback is invoked before every retry of a batch with the error that
// caused it, the pending original payloads and the 1-based retry count
type RetryCallback func(err error, pending []any, retry int)

// MetricsCollector collects connector metrics
type MetricsCollector interface {
	// RecordBatch records a flush outcome (sent, failed, callback_error)
	RecordBatch(outcome string, size int, attempts int, duration time.Duration)

	// RecordRetry records one retry of a batch
	RecordRetry(size int)

	// RecordReceive records an inbound message and how it was acknowledged
	// (completed, abandoned, ack_failed)
	RecordReceive(outcome string)

	// RecordError records an error metric
	RecordError(component string, errorType string)

	// SetPending reports the number of buffered messages
	SetPending(n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordBatch does nothing
func (n *NoOpMetricsCollector) RecordBatch(outcome string, size int, attempts int, duration time.Duration) {
}

// RecordRetry does nothing
func (n *NoOpMetricsCollector) RecordRetry(size int) {}

// RecordReceive does nothing
func (n *NoOpMetricsCollector) RecordReceive(outcome string) {}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component string, errorType string) {}

// SetPending does nothing
func (n *NoOpMetricsCollector) SetPending(int) {}

// Batch and receive outcomes reported to MetricsCollector
const (
	OutcomeSent          = "sent"
	OutcomeFailed        = "failed"
	OutcomeCallbackError = "callback_error"
	OutcomeCompleted     = "completed"
	OutcomeAbandoned     = "abandoned"
	OutcomeAckFailed     = "ack_failed"
)
