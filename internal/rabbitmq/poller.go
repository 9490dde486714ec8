package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/iotlink/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Poller fetches single messages with basic.get on a dedicated channel.
// Deliveries must be acknowledged through the channel that fetched them, so
// the channel is only replaced once the broker has closed it.
type Poller struct {
	manager  *ConnectionManager
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
	closed  bool
}

// PollerOption configures the poller
type PollerOption func(*Poller)

// WithPollInterval sets the pause between basic.get calls while waiting
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithPollerLogger sets the logger
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller creates a new poller
func NewPoller(manager *ConnectionManager, options ...PollerOption) *Poller {
	p := &Poller{
		manager:  manager,
		interval: 200 * time.Millisecond,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Get waits up to timeout for a message on queue. A timeout <= 0 asks once.
// It returns nil when the queue stayed empty.
func (p *Poller) Get(ctx context.Context, queue string, timeout time.Duration) (*amqp.Delivery, error) {
	deadline := time.Now().Add(timeout)

	for {
		d, ok, err := p.getOnce(queue)
		if err != nil {
			return nil, err
		}
		if ok {
			return &d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := reliability.Wait(ctx, min(p.interval, remaining)); err != nil {
			return nil, err
		}
	}
}

func (p *Poller) getOnce(queue string) (amqp.Delivery, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return amqp.Delivery{}, false, ErrPollerClosed
	}

	if p.channel == nil || p.channel.IsClosed() {
		ch, err := p.manager.Channel()
		if err != nil {
			return amqp.Delivery{}, false, &ChannelError{Op: "open poll channel", ChannelID: queue, Err: err, Timestamp: time.Now()}
		}
		if p.channel != nil {
			p.logger.Warn("poll channel was closed, reopened", "queue", queue)
		}
		p.channel = ch
	}

	return p.channel.Get(queue, false)
}

// Ack acknowledges a delivery returned by Get
func (p *Poller) Ack(d *amqp.Delivery) error {
	if d == nil || d.Acknowledger == nil {
		return ErrUnknownDelivery
	}
	return d.Ack(false)
}

// Nack rejects a delivery returned by Get, optionally requeueing it
func (p *Poller) Nack(d *amqp.Delivery, requeue bool) error {
	if d == nil || d.Acknowledger == nil {
		return ErrUnknownDelivery
	}
	return d.Nack(false, requeue)
}

// Close closes the poll channel. Unacknowledged deliveries return to the queue.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel.Close()
	}
	return nil
}
