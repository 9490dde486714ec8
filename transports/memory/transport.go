// Package memory provides an in-process transport. Sent batches are kept for
// inspection and inbound messages are injected by the caller, which makes it
// the transport of choice for tests and local runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/internal/inbox"
	"github.com/glimte/iotlink/serialization"
)

// Transport implements messaging.Transport in memory
type Transport struct {
	inbox    *inbox.Inbox
	loopback bool

	mu       sync.Mutex
	sent     [][]byte
	batches  int
	failures []error
	closed   bool
}

// Option configures the transport
type Option func(*Transport)

// WithLoopback delivers every sent message back to the inbox
func WithLoopback() Option {
	return func(t *Transport) {
		t.loopback = true
	}
}

// WithInboxOptions configures the inbound queue
func WithInboxOptions(opts ...inbox.Option) Option {
	return func(t *Transport) {
		t.inbox = inbox.New(opts...)
	}
}

// NewTransport creates an in-memory transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		inbox: inbox.New(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Name implements messaging.NamedTransport
func (t *Transport) Name() string {
	return "memory"
}

// FailNext makes the next len(errs) SendBatch calls fail with errs in order
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// SendBatch implements messaging.Transport. The batch is recorded only when
// it succeeds as a whole.
func (t *Transport) SendBatch(ctx context.Context, batch []*contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payloads := make([][]byte, len(batch))
	for i, env := range batch {
		body, err := serialization.Payload(env)
		if err != nil {
			return &contracts.TransportError{Op: "send", Err: err}
		}
		payloads[i] = body
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return contracts.ErrTransportClosed
	}
	t.batches++
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return &contracts.TransportError{Op: "send", Err: err}
	}
	t.sent = append(t.sent, payloads...)
	t.mu.Unlock()

	if t.loopback {
		for i, env := range batch {
			echo := contracts.NewEnvelopeFromBytes(payloads[i])
			echo.MessageID = env.MessageID
			echo.CorrelationID = env.CorrelationID
			echo.ContentType = env.ContentType
			echo.ContentEncoding = env.ContentEncoding
			echo.Label = env.Label
			for k, v := range env.Properties {
				echo.Properties[k] = v
			}
			if err := t.inbox.Push(echo, nil); err != nil {
				return &contracts.TransportError{Op: "send", Err: err}
			}
		}
	}
	return nil
}

// Inject queues an inbound message
func (t *Transport) Inject(env *contracts.Envelope) error {
	return t.inbox.Push(env, nil)
}

// InjectBytes queues an inbound message with body b
func (t *Transport) InjectBytes(b []byte) error {
	return t.Inject(contracts.NewEnvelopeFromBytes(b))
}

// Receive implements messaging.Transport
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (*contracts.Envelope, error) {
	entry, err := t.inbox.Take(ctx, timeout)
	if err != nil {
		return nil, t.mapErr("receive", err)
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Envelope, nil
}

// Complete implements messaging.Transport
func (t *Transport) Complete(ctx context.Context, msg *contracts.Envelope) error {
	if msg == nil {
		return contracts.ErrUnknownLockToken
	}
	_, err := t.inbox.Complete(msg.LockToken)
	return t.mapErr("complete", err)
}

// Abandon implements messaging.Transport
func (t *Transport) Abandon(ctx context.Context, msg *contracts.Envelope) error {
	if msg == nil {
		return contracts.ErrUnknownLockToken
	}
	_, err := t.inbox.Abandon(msg.LockToken)
	return t.mapErr("abandon", err)
}

// IsConnected implements messaging.ConnectionChecker
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.inbox.Close()
	return nil
}

// Sent returns the bodies of all successfully sent messages in order
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// SendAttempts returns how many SendBatch calls reached the transport
func (t *Transport) SendAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batches
}

// InboxStats exposes the inbound queue counters
func (t *Transport) InboxStats() inbox.Stats {
	return t.inbox.Stats()
}

// InspectQueue implements messaging.QueueInspector
func (t *Transport) InspectQueue(ctx context.Context) (*contracts.QueueInfo, error) {
	if !t.IsConnected() {
		return nil, contracts.ErrTransportClosed
	}
	stats := t.inbox.Stats()
	return &contracts.QueueInfo{
		Name:      "memory",
		Messages:  stats.Ready,
		Locked:    stats.Locked,
		Consumers: -1,
	}, nil
}

func (t *Transport) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, inbox.ErrClosed):
		return contracts.ErrTransportClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &contracts.TransportError{Op: op, Err: err}
	}
}
