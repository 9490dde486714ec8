// Package interceptors wraps command handlers with cross-cutting concerns.
//
// An interceptor sees every inbound payload before the handler does and
// decides the verdict that completes or abandons the message. Built-in
// interceptors:
//   - LoggingInterceptor: logs each verdict with its handling time
//   - TimeoutInterceptor: abandons commands whose handler runs too long
//   - FilteringInterceptor: completes or abandons payloads a filter rejects
//   - CircuitBreakerInterceptor: abandons without calling the handler after
//     a run of rejections
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(10*time.Second),
//	)
//	loop, err := connector.StartReceiving(ctx, chain.Wrap(handler))
//
// Interceptors run in the order they are added, with the final handler
// called last.
package interceptors
