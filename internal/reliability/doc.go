// Package reliability provides the retry primitives used by the send path and
// the transports.
//
// This package implements:
//   - FixedDelay: a bounded retry policy with a constant pause between tries
//   - Retry: runs a function under a policy, honoring context cancellation
//   - Wait: a context-aware sleep
//   - IsRetryable / Permanent: classification of errors that must not be retried
//
// Example usage:
//
//	policy := NewFixedDelay(time.Second, 5)
//	err := Retry(ctx, policy, func() error {
//	    return transport.SendBatch(ctx, batch)
//	})
package reliability
