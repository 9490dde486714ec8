package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/iotlink/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the AMQP connection and re-establishes it when the
// broker drops it
type ConnectionManager struct {
	url             string
	dial            Dialer
	conn            *amqp.Connection
	mu              sync.RWMutex
	connectAttempts int
	connectDelay    time.Duration
	reconnectDelay  time.Duration
	dialTimeout     time.Duration
	logger          *slog.Logger
	notifyClose     chan *amqp.Error
	isConnected     bool
	done            chan struct{}
	closeOnce       sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithConnectAttempts sets how many dials Connect makes before giving up
func WithConnectAttempts(attempts int, delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if attempts > 0 {
			cm.connectAttempts = attempts
		}
		cm.connectDelay = delay
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if timeout > 0 {
			cm.dialTimeout = timeout
		}
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:             url,
		dial:            amqp.Dial,
		connectAttempts: 1,
		connectDelay:    time.Second,
		reconnectDelay:  5 * time.Second,
		dialTimeout:     30 * time.Second,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	start := time.Now()
	attempts := 0
	policy := reliability.NewFixedDelay(cm.connectDelay, cm.connectAttempts)

	var conn *amqp.Connection
	err := reliability.Retry(ctx, policy, func() error {
		attempts++
		c, err := cm.dialWithTimeout(ctx)
		if err != nil {
			cm.logger.Warn("failed to connect to RabbitMQ",
				"url", SanitizeURL(cm.url),
				"attempt", attempts,
				"error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if attempts > 1 {
			err = &reliability.RetryError{
				Op:          "dial",
				Attempts:    attempts,
				MaxAttempts: cm.connectAttempts,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.handleReconnect(cm.notifyClose)

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// attach installs conn. Caller holds cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dialCtx.Done():
		// late connections are closed once the dial returns
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if ok && err != nil {
			cm.logger.Error("connection closed", "error", err)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until it succeeds or the manager is closed
func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := reliability.Wait(ctx, cm.calculateBackoff(attempt-1)); err != nil {
				return
			}
		}

		conn, err := cm.dialWithTimeout(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			conn.Close()
			return
		default:
		}
		cm.attach(conn)
		notify := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start))

		go cm.handleReconnect(notify)
		return
	}
}

// calculateBackoff doubles the reconnect delay per attempt, capped at 5 minutes
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute
	if attempt > 16 {
		return maxDelay
	}

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
