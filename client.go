// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iotlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/iotlink/config"
	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/interceptors"
	"github.com/glimte/iotlink/internal/rabbitmq"
	"github.com/glimte/iotlink/messaging"
	"github.com/glimte/iotlink/serialization"
	"github.com/glimte/iotlink/transports/memory"
	"github.com/glimte/iotlink/transports/mqtt"
	rabbitmqTransport "github.com/glimte/iotlink/transports/rabbitmq"
	"github.com/glimte/iotlink/transports/redisstream"
	"github.com/redis/go-redis/v9"
)

// Connector provides the main entry point for iotlink: batched telemetry
// out, acknowledged commands in
type Connector struct {
	cfg       config.Config
	info      config.ConnectionInfo
	transport messaging.Transport
	sender    *messaging.BatchSender
	receiver  *messaging.Receiver
	chain     *interceptors.InterceptorChain
	logger    *slog.Logger

	mu     sync.Mutex
	loops  []*messaging.ReceiveLoop
	closed bool
}

// Open validates cfg, connects the transport selected by the endpoint
// scheme and builds the send and receive paths
func Open(ctx context.Context, cfg config.Config, options ...Option) (*Connector, error) {
	info, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	o := &connectorOptions{
		logger:     slog.Default(),
		retryDelay: cfg.RetryDelay(),
	}
	for _, opt := range options {
		opt(o)
	}

	logger := o.logger.With("deviceId", info.DeviceID)

	transport := o.transport
	if transport == nil {
		transport, err = openTransport(ctx, info, logger)
		if err != nil {
			return nil, err
		}
	}

	batchOpts := []messaging.BatchOption{
		messaging.WithBatchSize(cfg.MessagesPerBatch),
		messaging.WithMaxRetries(cfg.Retries),
		messaging.WithRetryDelay(o.retryDelay),
		messaging.WithEncoder(o.encoder),
		messaging.WithRetryCallback(o.onRetry),
		messaging.WithBatchLogger(logger),
	}
	receiverOpts := []messaging.ReceiverOption{
		messaging.WithPollInterval(cfg.Timeout()),
		messaging.WithReceiverLogger(logger),
	}
	if o.metrics != nil {
		batchOpts = append(batchOpts, messaging.WithBatchMetrics(o.metrics))
		receiverOpts = append(receiverOpts, messaging.WithReceiverMetrics(o.metrics))
	}

	c := &Connector{
		cfg:       cfg,
		info:      info,
		transport: transport,
		sender:    messaging.NewBatchSender(transport, batchOpts...),
		receiver:  messaging.NewReceiver(transport, receiverOpts...),
		chain:     interceptors.NewInterceptorChain(o.interceptors...),
		logger:    logger,
	}

	logger.Info("connector opened",
		"transport", c.Name(),
		"batchSize", cfg.MessagesPerBatch,
		"retries", cfg.Retries,
	)
	return c, nil
}

// openTransport picks a transport by endpoint scheme
func openTransport(ctx context.Context, info config.ConnectionInfo, logger *slog.Logger) (messaging.Transport, error) {
	switch scheme := info.Scheme(); scheme {
	case "amqp", "amqps":
		t, err := rabbitmqTransport.NewTransport(ctx, info.Endpoint, info.DeviceID,
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithConnectionOptions(rabbitmq.WithLogger(logger)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return t, nil

	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
		opts := []mqtt.Option{
			mqtt.WithCredentials(info.DeviceID, info.SharedAccessKey),
			mqtt.WithLogger(logger),
		}
		switch scheme {
		case "ssl", "tls", "mqtts", "wss":
			opts = append(opts, mqtt.WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
		}
		t, err := mqtt.NewTransport(ctx, info.Endpoint, info.DeviceID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return t, nil

	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(info.Endpoint)
		if err != nil {
			return nil, &contracts.ConfigError{Field: "connection_string", Err: err}
		}
		if info.SharedAccessKey != "" && redisOpts.Password == "" {
			redisOpts.Password = info.SharedAccessKey
		}
		t, err := redisstream.NewTransport(ctx, redisOpts, info.DeviceID,
			redisstream.WithLogger(logger),
			redisstream.WithGroup(info.Extra["group"]),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return t, nil

	case "memory":
		var opts []memory.Option
		if loop, _ := strconv.ParseBool(info.Extra["loopback"]); loop {
			opts = append(opts, memory.WithLoopback())
		}
		return memory.NewTransport(opts...), nil

	default:
		return nil, &contracts.ConfigError{
			Field: "connection_string",
			Err:   fmt.Errorf("%w: unsupported endpoint scheme %q", contracts.ErrInvalidConfiguration, scheme),
		}
	}
}

// Name reports the connector and its transport, e.g. "iotlink-mqtt"
func (c *Connector) Name() string {
	if named, ok := c.transport.(messaging.NamedTransport); ok {
		return "iotlink-" + named.Name()
	}
	return "iotlink"
}

// DeviceID returns the effective device identifier
func (c *Connector) DeviceID() string {
	return c.info.DeviceID
}

// Transport returns the underlying transport
func (c *Connector) Transport() messaging.Transport {
	return c.transport
}

// Send buffers one payload and flushes once the batch size is reached
func (c *Connector) Send(ctx context.Context, msg any, options ...messaging.SendOption) (*messaging.SendResult, error) {
	if c.isClosed() {
		return nil, contracts.ErrConnectorClosed
	}
	return c.sender.Send(ctx, msg, options...)
}

// SendBatch buffers msgs and flushes once the batch size is reached
func (c *Connector) SendBatch(ctx context.Context, msgs []any, options ...messaging.SendOption) (*messaging.SendResult, error) {
	if c.isClosed() {
		return nil, contracts.ErrConnectorClosed
	}
	return c.sender.SendBatch(ctx, msgs, options...)
}

// Flush sends whatever is buffered regardless of the batch size
func (c *Connector) Flush(ctx context.Context, options ...messaging.SendOption) (*messaging.SendResult, error) {
	if c.isClosed() {
		return nil, contracts.ErrConnectorClosed
	}
	return c.sender.Flush(ctx, options...)
}

// Pending lists the buffered original payloads. After a CallbackError it
// still holds the delivered batch; Flush or Discard before sending again.
func (c *Connector) Pending() []any {
	return c.sender.Pending()
}

// Discard drops the buffered payloads without sending and returns them
func (c *Connector) Discard() []any {
	return c.sender.Discard()
}

// StartReceiving runs the receive loop until ctx is done, Stop is called on
// the returned loop, or the connector is closed
func (c *Connector) StartReceiving(ctx context.Context, handler messaging.MessageHandler) (*messaging.ReceiveLoop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrConnectorClosed
	}
	loop := c.receiver.Start(ctx, c.chain.Wrap(handler))
	c.loops = append(c.loops, loop)
	return loop, nil
}

// ReceiveOnce receives a single message. A timeout <= 0 uses the configured one.
func (c *Connector) ReceiveOnce(ctx context.Context, onSuccess messaging.MessageHandler, onError messaging.ErrorHandler, timeout time.Duration) error {
	if c.isClosed() {
		return contracts.ErrConnectorClosed
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout()
	}
	return c.receiver.ReceiveOnce(ctx, c.chain.Wrap(onSuccess), onError, timeout)
}

// OnSendAcknowledgeResult is not supported by any transport
func (c *Connector) OnSendAcknowledgeResult(fn func(ctx context.Context, payloads []any, err error)) error {
	return fmt.Errorf("send acknowledgment callbacks: %w", contracts.ErrNotSupported)
}

// RegisterAcknowledge is not supported by any transport
func (c *Connector) RegisterAcknowledge(fn func(ctx context.Context, msg *contracts.Envelope) error) error {
	return fmt.Errorf("acknowledgment registration: %w", contracts.ErrNotSupported)
}

// Close stops every receive loop, waits for in-flight messages to be
// acknowledged and closes the transport. Buffered messages are not flushed.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	loops := c.loops
	c.loops = nil
	c.mu.Unlock()

	for _, loop := range loops {
		loop.Stop()
	}
	for _, loop := range loops {
		loop.Wait()
	}

	if pending := len(c.sender.Pending()); pending > 0 {
		c.logger.Warn("closing with unsent messages", "pending", pending)
	}

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	c.logger.Info("connector closed")
	return nil
}

func (c *Connector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connectorOptions holds connector configuration
type connectorOptions struct {
	logger       *slog.Logger
	encoder      serialization.Encoder
	onRetry      messaging.RetryCallback
	metrics      messaging.MetricsCollector
	transport    messaging.Transport
	retryDelay   time.Duration
	interceptors []interceptors.Interceptor
}

// Option configures the connector
type Option func(*connectorOptions)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(o *connectorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEncoder replaces the default JSON encoder
func WithEncoder(enc serialization.Encoder) Option {
	return func(o *connectorOptions) {
		o.encoder = enc
	}
}

// WithRetryCallback replaces the default retry logging
func WithRetryCallback(cb messaging.RetryCallback) Option {
	return func(o *connectorOptions) {
		o.onRetry = cb
	}
}

// WithMetrics sets the metrics collector for the send and receive paths
func WithMetrics(m messaging.MetricsCollector) Option {
	return func(o *connectorOptions) {
		o.metrics = m
	}
}

// WithTransport uses t instead of dialing the endpoint
func WithTransport(t messaging.Transport) Option {
	return func(o *connectorOptions) {
		o.transport = t
	}
}

// WithRetryDelay overrides the configured pause between send attempts
func WithRetryDelay(d time.Duration) Option {
	return func(o *connectorOptions) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithInterceptors wraps every command handler, in order
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(o *connectorOptions) {
		o.interceptors = append(o.interceptors, list...)
	}
}
