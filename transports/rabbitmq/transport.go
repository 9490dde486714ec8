package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/internal/rabbitmq"
	"github.com/glimte/iotlink/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names for envelope fields AMQP has no property for
const (
	HeaderSessionID     = "iotlink-session-id"
	HeaderPartitionKey  = "iotlink-partition-key"
	HeaderTo            = "iotlink-to"
	HeaderDeliveryCount = "x-delivery-count"
)

// Transport implements messaging.Transport for RabbitMQ.
// Telemetry is published to the device's telemetry route with publisher
// confirms; commands are polled from the device's command queue.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	poller    *rabbitmq.Poller
	routes    rabbitmq.DeviceRoutes
	logger    *slog.Logger

	mu     sync.Mutex
	locks  map[string]*amqp.Delivery
	closed bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	PollerOptions     []rabbitmq.PollerOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	Routes            *rabbitmq.DeviceRoutes
	DeclareTopology   bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithPollerOptions sets poller options
func WithPollerOptions(opts ...rabbitmq.PollerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PollerOptions = append(cfg.PollerOptions, opts...)
	}
}

// WithRoutes overrides the derived device routes
func WithRoutes(routes rabbitmq.DeviceRoutes) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Routes = &routes
	}
}

// WithTopologyDeclaration enables or disables declaring the device topology on connect
func WithTopologyDeclaration(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareTopology = enabled
	}
}

// WithLogger sets the logger of the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url and prepares the routes of deviceID
func NewTransport(ctx context.Context, url, deviceID string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		DeclareTopology: true,
		Logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger.With("transport", "rabbitmq", "deviceId", deviceID)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	routes := rabbitmq.NewDeviceRoutes(deviceID)
	if cfg.Routes != nil {
		routes = *cfg.Routes
	}

	if cfg.DeclareTopology {
		if err := rabbitmq.NewTopologyManager(manager).DeclareTopology(ctx, routes.Topology()); err != nil {
			manager.Close()
			return nil, fmt.Errorf("failed to declare topology: %w", err)
		}
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	pollOpts := append([]rabbitmq.PollerOption{rabbitmq.WithPollerLogger(logger)}, cfg.PollerOptions...)

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		poller:    rabbitmq.NewPoller(manager, pollOpts...),
		routes:    routes,
		logger:    logger,
		locks:     make(map[string]*amqp.Delivery),
	}, nil
}

// Name implements messaging.NamedTransport
func (t *Transport) Name() string {
	return "rabbitmq"
}

// SendBatch implements messaging.Transport
func (t *Transport) SendBatch(ctx context.Context, batch []*contracts.Envelope) error {
	if t.isClosed() {
		return contracts.ErrTransportClosed
	}

	pubs := make([]amqp.Publishing, len(batch))
	for i, env := range batch {
		pub, err := toPublishing(env)
		if err != nil {
			return &contracts.TransportError{Op: "send", Err: fmt.Errorf("message %d: %w", i, err)}
		}
		pubs[i] = pub
	}

	if err := t.publisher.PublishBatch(ctx, t.routes.TelemetryExchange, t.routes.TelemetryRoutingKey, pubs); err != nil {
		return &contracts.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive implements messaging.Transport
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (*contracts.Envelope, error) {
	if t.isClosed() {
		return nil, contracts.ErrTransportClosed
	}

	d, err := t.poller.Get(ctx, t.routes.CommandQueue, timeout)
	if err != nil {
		return nil, &contracts.TransportError{Op: "receive", Err: err}
	}
	if d == nil {
		return nil, nil
	}

	env := fromDelivery(d)
	env.LockToken = uuid.NewString()

	t.mu.Lock()
	t.locks[env.LockToken] = d
	t.mu.Unlock()

	return env, nil
}

// Complete implements messaging.Transport
func (t *Transport) Complete(ctx context.Context, msg *contracts.Envelope) error {
	d, err := t.takeLock(msg)
	if err != nil {
		return err
	}
	if err := t.poller.Ack(d); err != nil {
		return &contracts.TransportError{Op: "complete", Err: err}
	}
	return nil
}

// Abandon implements messaging.Transport
func (t *Transport) Abandon(ctx context.Context, msg *contracts.Envelope) error {
	d, err := t.takeLock(msg)
	if err != nil {
		return err
	}
	if err := t.poller.Nack(d, true); err != nil {
		return &contracts.TransportError{Op: "abandon", Err: err}
	}
	return nil
}

// InspectQueue implements messaging.QueueInspector for the command queue.
// Commands are polled, so the broker normally reports no consumers.
func (t *Transport) InspectQueue(ctx context.Context) (*contracts.QueueInfo, error) {
	if t.isClosed() {
		return nil, contracts.ErrTransportClosed
	}

	ch, err := t.pool.Get(ctx)
	if err != nil {
		return nil, &contracts.TransportError{Op: "inspect", Err: err}
	}
	// A failed passive declare closes the channel
	q, err := ch.QueueDeclarePassive(t.routes.CommandQueue, true, false, false, false, nil)
	if err != nil {
		t.pool.Discard(ch)
		return nil, &contracts.TransportError{Op: "inspect", Err: fmt.Errorf("queue %s: %w", t.routes.CommandQueue, err)}
	}
	t.pool.Put(ch)

	t.mu.Lock()
	locked := len(t.locks)
	t.mu.Unlock()

	return &contracts.QueueInfo{
		Name:      q.Name,
		Messages:  q.Messages,
		Locked:    locked,
		Consumers: q.Consumers,
	}, nil
}

// IsConnected implements messaging.ConnectionChecker
func (t *Transport) IsConnected() bool {
	return !t.isClosed() && t.manager.IsConnected()
}

// Close closes all resources. Unacknowledged messages return to the queue.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.locks = make(map[string]*amqp.Delivery)
	t.mu.Unlock()

	t.poller.Close()
	t.pool.Close()
	return t.manager.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) takeLock(msg *contracts.Envelope) (*amqp.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, contracts.ErrTransportClosed
	}
	if msg == nil {
		return nil, contracts.ErrUnknownLockToken
	}

	d, ok := t.locks[msg.LockToken]
	if !ok {
		return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownLockToken, msg.LockToken)
	}
	delete(t.locks, msg.LockToken)
	return d, nil
}

// toPublishing maps an envelope onto AMQP properties
func toPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := serialization.Payload(env)
	if err != nil {
		return amqp.Publishing{}, err
	}

	pub := amqp.Publishing{
		Headers:         toTable(env.Properties),
		ContentType:     env.ContentType,
		ContentEncoding: env.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   env.CorrelationID,
		ReplyTo:         env.ReplyTo,
		MessageId:       env.MessageID,
		Timestamp:       time.Now().UTC(),
		Type:            env.Label,
		Body:            body,
	}

	if env.TimeToLive > 0 {
		pub.Expiration = strconv.FormatInt(env.TimeToLive.Milliseconds(), 10)
	}
	if env.SessionID != "" {
		pub.Headers[HeaderSessionID] = env.SessionID
	}
	if env.PartitionKey != "" {
		pub.Headers[HeaderPartitionKey] = env.PartitionKey
	}
	if env.To != "" {
		pub.Headers[HeaderTo] = env.To
	}

	return pub, nil
}

// fromDelivery maps an AMQP delivery onto a stream envelope
func fromDelivery(d *amqp.Delivery) *contracts.Envelope {
	env := contracts.NewEnvelopeFromBytes(d.Body)
	env.MessageID = d.MessageId
	env.CorrelationID = d.CorrelationId
	env.ContentType = d.ContentType
	env.ContentEncoding = d.ContentEncoding
	env.Label = d.Type
	env.ReplyTo = d.ReplyTo
	env.EnqueuedTime = d.Timestamp
	env.SequenceNumber = int64(d.DeliveryTag)
	env.DeliveryCount = deliveryCount(d)

	if ttl, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ttl > 0 {
		env.TimeToLive = time.Duration(ttl) * time.Millisecond
		if !d.Timestamp.IsZero() {
			env.ExpiresAt = d.Timestamp.Add(env.TimeToLive)
		}
	}

	for k, v := range d.Headers {
		switch k {
		case HeaderSessionID:
			env.SessionID, _ = v.(string)
		case HeaderPartitionKey:
			env.PartitionKey, _ = v.(string)
		case HeaderTo:
			env.To, _ = v.(string)
		default:
			env.Properties[k] = v
		}
	}

	return env
}

// deliveryCount prefers the quorum queue counter over the redelivered flag
func deliveryCount(d *amqp.Delivery) int {
	switch n := d.Headers[HeaderDeliveryCount].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// toTable copies properties into an AMQP table, stringifying values the
// AMQP field table cannot carry
func toTable(props map[string]any) amqp.Table {
	table := make(amqp.Table, len(props))
	for k, v := range props {
		switch v.(type) {
		case nil, bool, string, []byte,
			int, int8, int16, int32, int64,
			uint8, uint16, uint32,
			float32, float64, time.Time:
			table[k] = v
		default:
			table[k] = fmt.Sprint(v)
		}
	}
	return table
}
