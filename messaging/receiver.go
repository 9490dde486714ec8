package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/internal/reliability"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultErrorDelay   = time.Second
)

// Receiver polls a transport for inbound messages and acknowledges them
// according to a handler's verdict
type Receiver struct {
	transport    Transport
	pollInterval time.Duration
	errorDelay   time.Duration
	logger       *slog.Logger
	metrics      MetricsCollector
}

// ReceiverOption configures the Receiver
type ReceiverOption func(*Receiver)

// WithPollInterval sets how long the loop idles after an empty poll
func WithPollInterval(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d >= 0 {
			r.pollInterval = d
		}
	}
}

// WithErrorDelay sets how long the loop pauses after a failed iteration
func WithErrorDelay(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d >= 0 {
			r.errorDelay = d
		}
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReceiverMetrics sets the metrics collector
func WithReceiverMetrics(m MetricsCollector) ReceiverOption {
	return func(r *Receiver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewReceiver creates a new receiver
func NewReceiver(transport Transport, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		transport:    transport,
		pollInterval: DefaultPollInterval,
		errorDelay:   DefaultErrorDelay,
		logger:       slog.Default(),
		metrics:      &NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// ReceiveLoop is a running continuous receive loop
type ReceiveLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop requests the loop to end. The current iteration finishes first.
func (l *ReceiveLoop) Stop() {
	l.cancel()
}

// Done is closed once the loop has exited
func (l *ReceiveLoop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop has exited
func (l *ReceiveLoop) Wait() {
	<-l.done
}

// Start runs the continuous receive loop in its own goroutine until ctx is
// cancelled or Stop is called.
//
// Cancellation is checked once per iteration. A message that was received is
// always handed to the handler and acknowledged before the loop exits.
func (r *Receiver) Start(ctx context.Context, handler MessageHandler) *ReceiveLoop {
	loopCtx, cancel := context.WithCancel(ctx)
	loop := &ReceiveLoop{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(loop.done)
		defer cancel()

		r.logger.Info("receive loop started", "pollInterval", r.pollInterval)
		for loopCtx.Err() == nil {
			r.iterate(loopCtx, handler)
		}
		r.logger.Info("receive loop stopped")
	}()

	return loop
}

func (r *Receiver) iterate(ctx context.Context, handler MessageHandler) {
	msg, err := r.transport.Receive(ctx, 0)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("failed to poll for message", "error", err)
		r.metrics.RecordError("receiver", "poll")
		_ = reliability.Wait(ctx, r.errorDelay)
		return
	}

	if msg == nil {
		_ = reliability.Wait(ctx, r.pollInterval)
		return
	}

	// the message is ours now; finish dispatch and ack even if ctx ends
	ackCtx := context.WithoutCancel(ctx)

	payload, err := msg.ReadBody()
	if err != nil {
		r.logger.Error("failed to read message body", "messageId", msg.MessageID, "error", err)
		r.metrics.RecordError("receiver", "read")
		if err := r.acknowledge(ackCtx, msg, false); err != nil {
			r.logger.Error("failed to abandon unreadable message", "messageId", msg.MessageID, "error", err)
		}
		return
	}

	verdict, err := dispatch(ackCtx, handler, payload)
	if err != nil {
		r.logger.Error("message handler failed", "messageId", msg.MessageID, "error", err)
		r.metrics.RecordError("receiver", "handler")
	}

	if err := r.acknowledge(ackCtx, msg, verdict); err != nil {
		r.logger.Error("failed to acknowledge message",
			"messageId", msg.MessageID,
			"complete", verdict,
			"error", err,
		)
		_ = reliability.Wait(ctx, r.errorDelay)
	}
}

// ReceiveOnce polls once, waiting up to timeout.
//
// On success onSuccess decides whether the message is completed or abandoned.
// On failure, a timeout included, onError is called with the error and its
// verdict acknowledges the message if one had been received. The failure is
// also returned, joined with any acknowledgment error.
func (r *Receiver) ReceiveOnce(ctx context.Context, onSuccess MessageHandler, onError ErrorHandler, timeout time.Duration) error {
	msg, err := r.transport.Receive(ctx, timeout)
	if err == nil && msg == nil {
		err = contracts.ErrNoMessage
	}

	ackCtx := context.WithoutCancel(ctx)

	if err == nil {
		var payload []byte
		payload, err = msg.ReadBody()
		if err == nil {
			var verdict bool
			verdict, err = dispatch(ackCtx, onSuccess, payload)
			if err == nil {
				return r.acknowledge(ackCtx, msg, verdict)
			}
		}
	}

	r.logger.Debug("single receive failed", "error", err)

	verdict := false
	if onError != nil {
		verdict = handleError(ackCtx, onError, err)
	}

	if msg != nil {
		if ackErr := r.acknowledge(ackCtx, msg, verdict); ackErr != nil {
			return errors.Join(err, ackErr)
		}
	}
	return err
}

func (r *Receiver) acknowledge(ctx context.Context, msg *contracts.Envelope, complete bool) error {
	var err error
	outcome := OutcomeCompleted
	if complete {
		err = r.transport.Complete(ctx, msg)
	} else {
		outcome = OutcomeAbandoned
		err = r.transport.Abandon(ctx, msg)
	}

	if err != nil {
		r.metrics.RecordReceive(OutcomeAckFailed)
		return err
	}

	r.metrics.RecordReceive(outcome)
	r.logger.Debug("message acknowledged", "messageId", msg.MessageID, "outcome", outcome)
	return nil
}

// dispatch runs the handler, turning a panic into an error and a false verdict.
// Without a handler the message is abandoned.
func dispatch(ctx context.Context, handler MessageHandler, payload []byte) (verdict bool, err error) {
	if handler == nil {
		return false, contracts.ErrNoHandler
	}

	defer func() {
		if p := recover(); p != nil {
			verdict = false
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	return handler(ctx, payload), nil
}

func handleError(ctx context.Context, handler ErrorHandler, cause error) (verdict bool) {
	defer func() {
		if p := recover(); p != nil {
			verdict = false
		}
	}()
	return handler(ctx, cause)
}
