package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/internal/reliability"
	"github.com/glimte/iotlink/serialization"
)

const (
	DefaultBatchSize  = 1
	DefaultMaxRetries = 5
	DefaultRetryDelay = time.Second
)

// SendStatus describes what a Send call did with the buffer
type SendStatus int

const (
	StatusBuffered SendStatus = iota // below the batch threshold, nothing transmitted
	StatusSent                       // batch delivered and buffer cleared
	StatusFailed                     // retries exhausted, batch still buffered
)

func (s SendStatus) String() string {
	switch s {
	case StatusBuffered:
		return "buffered"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("SendStatus(%d)", int(s))
	}
}

// SendResult reports the outcome of a Send, SendBatch or Flush call.
//
// A CallbackError in Err means the batch was delivered but OnSuccess failed.
// The delivered items stay buffered and the next Send transmits them again,
// so call Flush or Discard first.
type SendResult struct {
	Status   SendStatus
	Payloads []any // original payloads of the flushed batch
	Attempts int
	Pending  int // items left in the buffer
	Err      error
}

// SendOptions carries per-call callbacks
type SendOptions struct {
	OnSuccess func(ctx context.Context, payloads []any) error
	OnError   func(ctx context.Context, payloads []any, err error)
}

// SendOption configures a single send
type SendOption func(*SendOptions)

// OnSuccess registers a callback receiving the original payloads of a
// delivered batch. An error it returns is not retried and is handed back
// to the caller of Send.
func OnSuccess(fn func(ctx context.Context, payloads []any) error) SendOption {
	return func(opts *SendOptions) {
		opts.OnSuccess = fn
	}
}

// OnError registers a callback receiving the still-buffered payloads and the
// last transport error once retries are exhausted
func OnError(fn func(ctx context.Context, payloads []any, err error)) SendOption {
	return func(opts *SendOptions) {
		opts.OnError = fn
	}
}

// BatchSender accumulates payloads and delivers them in batches with a bounded,
// fixed-delay retry
type BatchSender struct {
	transport Transport
	encoder   serialization.Encoder
	policy    *reliability.FixedDelay
	batchSize int
	onRetry   RetryCallback
	logger    *slog.Logger
	metrics   MetricsCollector

	mu     sync.Mutex
	buffer *OutboundBuffer
}

// BatchOption configures the BatchSender
type BatchOption func(*BatchSender)

// WithBatchSize sets how many messages are accumulated before a flush
func WithBatchSize(n int) BatchOption {
	return func(s *BatchSender) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxRetries sets how many times a batch is attempted
func WithMaxRetries(n int) BatchOption {
	return func(s *BatchSender) {
		if n > 0 {
			s.policy.MaxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed pause between attempts
func WithRetryDelay(d time.Duration) BatchOption {
	return func(s *BatchSender) {
		if d >= 0 {
			s.policy.Delay = d
		}
	}
}

// WithEncoder sets the payload encoder
func WithEncoder(enc serialization.Encoder) BatchOption {
	return func(s *BatchSender) {
		if enc != nil {
			s.encoder = enc
		}
	}
}

// WithRetryCallback sets the diagnostic callback invoked before each retry
func WithRetryCallback(cb RetryCallback) BatchOption {
	return func(s *BatchSender) {
		if cb != nil {
			s.onRetry = cb
		}
	}
}

// WithBatchLogger sets the logger
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(s *BatchSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBatchMetrics sets the metrics collector
func WithBatchMetrics(m MetricsCollector) BatchOption {
	return func(s *BatchSender) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewBatchSender creates a new batch sender
func NewBatchSender(transport Transport, options ...BatchOption) *BatchSender {
	s := &BatchSender{
		transport: transport,
		encoder:   serialization.NewJSONEncoder(),
		policy:    reliability.NewFixedDelay(DefaultRetryDelay, DefaultMaxRetries),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		metrics:   &NoOpMetricsCollector{},
		buffer:    NewOutboundBuffer(),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.onRetry == nil {
		s.onRetry = LogRetry(s.logger)
	}

	return s
}

// LogRetry returns the default retry callback, which logs the root cause
func LogRetry(logger *slog.Logger) RetryCallback {
	return func(err error, pending []any, retry int) {
		cause := contracts.Cause(err)
		logger.Warn("batch send failed, retrying",
			"error", cause,
			"errorType", fmt.Sprintf("%T", cause),
			"pending", len(pending),
			"retry", retry,
		)
	}
}

// Send submits one payload. It is a batch of one.
func (s *BatchSender) Send(ctx context.Context, msg any, options ...SendOption) (*SendResult, error) {
	return s.SendBatch(ctx, []any{msg}, options...)
}

// SendBatch encodes and buffers msgs, and flushes the buffer once it holds
// at least the configured batch size
func (s *BatchSender) SendBatch(ctx context.Context, msgs []any, options ...SendOption) (*SendResult, error) {
	opts := applySendOptions(options)

	encoded := make([]PendingItem, 0, len(msgs))
	for i, msg := range msgs {
		wire, err := s.encoder.Encode(msg)
		if err != nil {
			s.metrics.RecordError("batch", "encode")
			return nil, &contracts.EncodeError{Index: i, Err: err}
		}
		encoded = append(encoded, PendingItem{Wire: wire, Original: msg})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range encoded {
		s.buffer.Append(item.Wire, item.Original)
	}
	s.metrics.SetPending(s.buffer.Len())

	if s.buffer.Len() == 0 || s.buffer.Len() < s.batchSize {
		return &SendResult{Status: StatusBuffered, Pending: s.buffer.Len()}, nil
	}

	return s.flush(ctx, opts)
}

// Flush transmits whatever is buffered regardless of the batch size
func (s *BatchSender) Flush(ctx context.Context, options ...SendOption) (*SendResult, error) {
	opts := applySendOptions(options)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffer.Len() == 0 {
		return &SendResult{Status: StatusBuffered}, nil
	}
	return s.flush(ctx, opts)
}

// Pending returns the buffered original payloads. After a CallbackError it
// still holds the batch that was delivered; Flush or Discard it before
// sending again.
func (s *BatchSender) Pending() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Originals()
}

// Discard empties the buffer without sending and returns what it held
func (s *BatchSender) Discard() []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloads := s.buffer.Originals()
	s.buffer.Clear()
	s.metrics.SetPending(0)
	if len(payloads) > 0 {
		s.logger.Warn("discarded buffered messages", "count", len(payloads))
	}
	return payloads
}

// flush runs the retry state machine. Caller holds s.mu.
func (s *BatchSender) flush(ctx context.Context, opts SendOptions) (*SendResult, error) {
	start := time.Now()
	size := s.buffer.Len()

	for attempt := 1; ; attempt++ {
		err := s.transport.SendBatch(ctx, s.buffer.Wire())
		if err == nil {
			return s.succeed(ctx, opts, attempt, start)
		}

		s.logger.Warn("failed to send batch",
			"error", err,
			"size", size,
			"attempt", attempt,
			"maxAttempts", s.policy.MaxRetries(),
		)

		retry, delay := s.policy.ShouldRetry(attempt, err)
		if !retry {
			return s.fail(ctx, opts, attempt, start, err)
		}

		if err := s.reencode(); err != nil {
			s.metrics.RecordError("batch", "encode")
			return nil, err
		}

		if err := reliability.Wait(ctx, delay); err != nil {
			return &SendResult{
				Status:   StatusFailed,
				Payloads: s.buffer.Originals(),
				Attempts: attempt,
				Pending:  s.buffer.Len(),
				Err:      err,
			}, err
		}

		s.metrics.RecordRetry(size)
		s.onRetry(err, s.buffer.Originals(), attempt)
	}
}

func (s *BatchSender) succeed(ctx context.Context, opts SendOptions, attempts int, start time.Time) (*SendResult, error) {
	payloads := s.buffer.Originals()

	s.logger.Debug("batch sent", "size", len(payloads), "attempts", attempts)

	if opts.OnSuccess != nil {
		if err := opts.OnSuccess(ctx, payloads); err != nil {
			s.metrics.RecordBatch(OutcomeCallbackError, len(payloads), attempts, time.Since(start))
			cbErr := &contracts.CallbackError{Err: err}
			return &SendResult{
				Status:   StatusSent,
				Payloads: payloads,
				Attempts: attempts,
				Pending:  s.buffer.Len(),
				Err:      cbErr,
			}, cbErr
		}
	}

	s.buffer.Clear()
	s.metrics.SetPending(0)
	s.metrics.RecordBatch(OutcomeSent, len(payloads), attempts, time.Since(start))

	return &SendResult{
		Status:   StatusSent,
		Payloads: payloads,
		Attempts: attempts,
	}, nil
}

func (s *BatchSender) fail(ctx context.Context, opts SendOptions, attempts int, start time.Time, cause error) (*SendResult, error) {
	payloads := s.buffer.Originals()

	s.logger.Error("batch send failed, retries exhausted",
		"error", cause,
		"size", len(payloads),
		"attempts", attempts,
	)
	s.metrics.RecordBatch(OutcomeFailed, len(payloads), attempts, time.Since(start))

	if opts.OnError != nil {
		opts.OnError(ctx, payloads, cause)
	}

	sendErr := &contracts.SendError{Attempts: attempts, Pending: len(payloads), Err: cause}
	return &SendResult{
		Status:   StatusFailed,
		Payloads: payloads,
		Attempts: attempts,
		Pending:  len(payloads),
		Err:      sendErr,
	}, sendErr
}

// reencode rebuilds every wire envelope from its original payload.
// On failure the buffer is left untouched.
func (s *BatchSender) reencode() error {
	items := s.buffer.Snapshot()
	rebuilt := make([]PendingItem, len(items))
	for i, item := range items {
		wire, err := s.encoder.Encode(item.Original)
		if err != nil {
			return &contracts.EncodeError{Index: i, Err: err}
		}
		rebuilt[i] = PendingItem{Wire: wire, Original: item.Original}
	}
	s.buffer.ReplaceAll(rebuilt)
	return nil
}

func applySendOptions(options []SendOption) SendOptions {
	var opts SendOptions
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}
