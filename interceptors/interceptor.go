package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/iotlink/messaging"
)

// Interceptor wraps the handling of one inbound command. It returns the
// verdict: true completes the message, false abandons it.
type Interceptor interface {
	// Intercept processes a payload and calls the next handler in the chain
	Intercept(ctx context.Context, payload []byte, next messaging.MessageHandler) bool

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, payload []byte, next messaging.MessageHandler) bool
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, payload []byte, next messaging.MessageHandler) bool) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
	return i.fn(ctx, payload, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Wrap returns a handler that runs the chain in insertion order before final
func (c *InterceptorChain) Wrap(final messaging.MessageHandler) messaging.MessageHandler {
	if final == nil || len(c.interceptors) == 0 {
		return final
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, payload []byte) bool {
			return interceptor.Intercept(ctx, payload, next)
		}
	}
	return handler
}

// Execute runs the chain for a single payload
func (c *InterceptorChain) Execute(ctx context.Context, payload []byte, final messaging.MessageHandler) bool {
	return c.Wrap(final)(ctx, payload)
}

// LoggingInterceptor logs every verdict with its handling time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
	start := time.Now()
	i.logger.Debug("handling command", "size", len(payload))

	ok := next(ctx, payload)
	duration := time.Since(start)

	if ok {
		i.logger.Info("command handled", "size", len(payload), "duration", duration)
	} else {
		i.logger.Warn("command rejected", "size", len(payload), "duration", duration)
	}
	return ok
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor abandons a command whose handler runs past the timeout.
// The handler sees a cancelled context but is not stopped.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- next(timeoutCtx, payload)
	}()

	select {
	case ok := <-done:
		return ok
	case <-timeoutCtx.Done():
		return false
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// PayloadFilter decides whether a payload reaches the handler
type PayloadFilter func(ctx context.Context, payload []byte) bool

// SkipBehavior defines the verdict for a filtered payload
type SkipBehavior int

const (
	// SkipComplete completes filtered payloads
	SkipComplete SkipBehavior = iota
	// SkipAbandon abandons filtered payloads
	SkipAbandon
)

// FilteringInterceptor keeps payloads away from the handler
type FilteringInterceptor struct {
	filter PayloadFilter
	skip   SkipBehavior
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter PayloadFilter, skip SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{filter: filter, skip: skip, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, payload []byte, next messaging.MessageHandler) bool {
	if i.filter(ctx, payload) {
		return next(ctx, payload)
	}

	i.logger.Debug("command filtered", "size", len(payload), "abandon", i.skip == SkipAbandon)
	return i.skip == SkipComplete
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}
