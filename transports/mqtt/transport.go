// Package mqtt provides a transport over an MQTT 3.1.1 broker.
//
// A batch is published as one QoS 1 message holding a JSON array of frames,
// so the broker accepts or rejects it as a unit. Commands are subscribed with
// QoS 1 and manual acknowledgment: the PUBACK is only sent once the message
// is completed. MQTT has no negative acknowledgment, so an abandoned message
// is redelivered from a local peek-lock inbox.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/internal/inbox"
	"github.com/glimte/iotlink/serialization"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const defaultNetworkTimeout = 10 * time.Second

// ClientFactory builds the paho client from its options
type ClientFactory func(*paho.ClientOptions) paho.Client

// Topics names where a device publishes and subscribes
type Topics struct {
	Telemetry string
	Commands  string
}

// NewTopics derives the topics of deviceID
func NewTopics(deviceID string) Topics {
	return Topics{
		Telemetry: fmt.Sprintf("devices/%s/messages/events", deviceID),
		Commands:  fmt.Sprintf("devices/%s/messages/devicebound", deviceID),
	}
}

// Transport implements messaging.Transport for MQTT
type Transport struct {
	client         paho.Client
	opts           *paho.ClientOptions
	topics         Topics
	networkTimeout time.Duration
	inbox          *inbox.Inbox
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
}

type config struct {
	username       string
	password       string
	tlsConfig      *tls.Config
	networkTimeout time.Duration
	topics         *Topics
	factory        ClientFactory
	inboxOpts      []inbox.Option
	logger         *slog.Logger
	pahoLogs       bool
}

// Option configures the transport
type Option func(*config)

// WithCredentials sets the MQTT username and password
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// WithTLSConfig sets the TLS configuration for ssl, mqtts and wss brokers
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithNetworkTimeout bounds connect, publish and subscribe
func WithNetworkTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.networkTimeout = d
		}
	}
}

// WithTopics overrides the derived topics
func WithTopics(topics Topics) Option {
	return func(c *config) {
		c.topics = &topics
	}
}

// WithClientFactory replaces paho.NewClient
func WithClientFactory(f ClientFactory) Option {
	return func(c *config) {
		if f != nil {
			c.factory = f
		}
	}
}

// WithInboxOptions configures the local redelivery inbox
func WithInboxOptions(opts ...inbox.Option) Option {
	return func(c *config) {
		c.inboxOpts = append(c.inboxOpts, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientLogs routes the paho client's error and warning logs to the logger.
// paho keeps its loggers in package variables, so this affects every client
// in the process.
func WithClientLogs() Option {
	return func(c *config) {
		c.pahoLogs = true
	}
}

// NewTransport connects to broker as deviceID and subscribes to its commands
func NewTransport(ctx context.Context, broker, deviceID string, options ...Option) (*Transport, error) {
	cfg := &config{
		username:       deviceID,
		networkTimeout: defaultNetworkTimeout,
		factory:        paho.NewClient,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	t := &Transport{
		topics:         NewTopics(deviceID),
		networkTimeout: cfg.networkTimeout,
		inbox:          inbox.New(cfg.inboxOpts...),
		logger:         cfg.logger.With("transport", "mqtt", "deviceId", deviceID),
	}
	if cfg.topics != nil {
		t.topics = *cfg.topics
	}

	if cfg.pahoLogs {
		paho.CRITICAL = pahoLogger{t.logger, slog.LevelError}
		paho.ERROR = pahoLogger{t.logger, slog.LevelError}
		paho.WARN = pahoLogger{t.logger, slog.LevelWarn}
	}

	t.opts = paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(deviceID).
		SetUsername(cfg.username).
		SetPassword(cfg.password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetOrderMatters(false).
		SetConnectTimeout(3 * cfg.networkTimeout).
		SetMaxReconnectInterval(3 * cfg.networkTimeout).
		SetKeepAlive(cfg.networkTimeout * 3).
		SetPingTimeout(cfg.networkTimeout).
		SetWriteTimeout(cfg.networkTimeout).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.logger.Warn("connection lost", "error", err)
		}).
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			t.logger.Warn("unexpected message", "topic", msg.Topic())
		})
	if cfg.tlsConfig != nil {
		t.opts.SetTLSConfig(cfg.tlsConfig)
	}

	t.client = cfg.factory(t.opts)

	if err := t.tokenWait(ctx, t.client.Connect(), "connect"); err != nil {
		return nil, &contracts.TransportError{Op: "connect", Err: err}
	}

	t.logger.Info("connected to MQTT broker", "broker", broker, "commands", t.topics.Commands)
	return t, nil
}

// onConnect (re)subscribes to the command topic after every connect
func (t *Transport) onConnect(c paho.Client) {
	tok := c.Subscribe(t.topics.Commands, 1, t.onCommand)
	if err := t.tokenWait(context.Background(), tok, "subscribe "+t.topics.Commands); err != nil {
		t.logger.Error("failed to subscribe to commands", "error", err)
	}
}

func (t *Transport) onCommand(_ paho.Client, msg paho.Message) {
	env := serialization.DecodeInbound(msg.Payload())
	env.SequenceNumber = int64(msg.MessageID())
	if msg.Duplicate() {
		env.DeliveryCount = 1
	}

	if err := t.inbox.Push(env, msg); err != nil {
		// without a PUBACK the broker redelivers after reconnect
		t.logger.Error("dropping command", "topic", msg.Topic(), "error", err)
	}
}

// Name implements messaging.NamedTransport
func (t *Transport) Name() string {
	return "mqtt"
}

// SendBatch implements messaging.Transport
func (t *Transport) SendBatch(ctx context.Context, batch []*contracts.Envelope) error {
	if t.isClosed() {
		return contracts.ErrTransportClosed
	}

	payload, err := serialization.MarshalBatch(batch)
	if err != nil {
		return &contracts.TransportError{Op: "send", Err: err}
	}

	tok := t.client.Publish(t.topics.Telemetry, 1, false, payload)
	if err := t.tokenWait(ctx, tok, "publish "+t.topics.Telemetry); err != nil {
		return &contracts.TransportError{Op: "send", Err: err}
	}
	return nil
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
	entry, err := t.inbox.Complete(msg.LockToken)
	if err != nil {
		return t.mapErr("complete", err)
	}
	if m, ok := entry.Ref.(paho.Message); ok {
		m.Ack()
	}
	return nil
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
	return !t.isClosed() && t.client.IsConnectionOpen()
}

// Close disconnects. Commands not yet completed are redelivered by the
// broker on the next session.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.inbox.Close()
	t.client.Disconnect(uint(t.networkTimeout / time.Millisecond))
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) tokenWait(ctx context.Context, tok paho.Token, tag string) error {
	timer := time.NewTimer(t.networkTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
	case <-timer.C:
		return fmt.Errorf("%s: timeout after %v", tag, t.networkTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", tag, ctx.Err())
	}

	if err := tok.Error(); err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	return nil
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

// pahoLogger adapts slog to paho's logger interface
type pahoLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.logger.Log(context.Background(), l.level, fmt.Sprint(v...), "source", "paho")
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.logger.Log(context.Background(), l.level, fmt.Sprintf(format, v...), "source", "paho")
}
