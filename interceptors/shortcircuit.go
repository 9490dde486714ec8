package interceptors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/iotlink/messaging"
)

// CircuitState is the state of a CircuitBreakerInterceptor
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerInterceptor short-circuits the handler after a run of
// rejected commands. While open every command is abandoned without calling
// the handler. After the cooldown one command is let through; its verdict
// closes or reopens the circuit.
type CircuitBreakerInterceptor struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreakerInterceptor creates a breaker that opens after threshold
// consecutive rejections
func NewCircuitBreakerInterceptor(threshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreakerInterceptor {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerInterceptor{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
	if !i.allow() {
		return false
	}

	ok := next(ctx, payload)
	i.record(ok)
	return ok
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// State returns the current state
func (i *CircuitBreakerInterceptor) State() CircuitState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *CircuitBreakerInterceptor) allow() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case CircuitOpen:
		if i.now().Sub(i.openedAt) < i.cooldown {
			return false
		}
		i.state = CircuitHalfOpen
		i.trial = true
		return true
	case CircuitHalfOpen:
		if i.trial {
			return false
		}
		i.trial = true
		return true
	default:
		return true
	}
}

func (i *CircuitBreakerInterceptor) record(ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.trial = false
	if ok {
		if i.state != CircuitClosed {
			i.logger.Info("command handler recovered, closing circuit")
		}
		i.state = CircuitClosed
		i.failures = 0
		return
	}

	i.failures++
	if i.state == CircuitHalfOpen || i.failures >= i.threshold {
		if i.state != CircuitOpen {
			i.logger.Warn("opening circuit after rejected commands", "failures", i.failures, "cooldown", i.cooldown)
		}
		i.state = CircuitOpen
		i.openedAt = i.now()
	}
}
