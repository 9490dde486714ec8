package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes batches with publisher confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a batch waits for its confirmations
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithMandatory makes unroutable messages fail the batch
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		mandatory:      true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishBatch publishes all messages to one exchange and routing key and
// returns nil only when the broker confirmed every one of them
func (p *Publisher) PublishBatch(ctx context.Context, exchange, routingKey string, messages []amqp.Publishing) error {
	if len(messages) == 0 {
		return nil
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Index: -1, Err: err, Timestamp: time.Now()}
	}

	window := cap(ch.confirms)
	for start := 0; start < len(messages); start += window {
		end := min(start+window, len(messages))
		if err := p.publishWindow(ctx, ch, exchange, routingKey, messages[start:end], start); err != nil {
			// pending confirms would be read by the next batch
			p.pool.Discard(ch)
			return err
		}
	}

	p.pool.Put(ch)
	p.logger.Debug("batch confirmed", "exchange", exchange, "routingKey", routingKey, "size", len(messages))
	return nil
}

func (p *Publisher) publishWindow(ctx context.Context, ch *PooledChannel, exchange, routingKey string, messages []amqp.Publishing, offset int) error {
	publishErr := func(index int, err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Index: index, Err: err, Timestamp: time.Now()}
	}

	for i, msg := range messages {
		if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
			return publishErr(offset+i, err)
		}
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for confirmed := 0; confirmed < len(messages); {
		select {
		case confirm, ok := <-ch.confirms:
			if !ok {
				return publishErr(-1, ErrConnectionClosed)
			}
			if !confirm.Ack {
				return publishErr(-1, fmt.Errorf("%w: delivery tag %d", ErrPublishNacked, confirm.DeliveryTag))
			}
			confirmed++

		case ret := <-ch.returns:
			return publishErr(-1, fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText))

		case <-timer.C:
			return publishErr(-1, fmt.Errorf("%w: confirmed %d/%d", ErrPublishTimeout, confirmed, len(messages)))

		case <-ctx.Done():
			return publishErr(-1, ctx.Err())
		}
	}

	// a return is always sent before the ack of the same message
	select {
	case ret := <-ch.returns:
		return publishErr(-1, fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText))
	default:
	}

	return nil
}
