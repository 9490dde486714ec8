package contracts

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors
	ErrMissingConnectionString = errors.New("iotlink: connection string must be provided")
	ErrMissingDeviceID         = errors.New("iotlink: device id must be provided in the options or in the connection string")
	ErrInvalidConfiguration    = errors.New("iotlink: invalid configuration")

	// Send path errors
	ErrRetriesExhausted = errors.New("iotlink: retries exhausted")
	ErrCallbackFailed   = errors.New("iotlink: success callback failed")
	ErrEncodeFailed     = errors.New("iotlink: failed to encode message")

	// Receive path errors
	ErrNoMessage        = errors.New("iotlink: no message received before timeout")
	ErrUnknownLockToken = errors.New("iotlink: unknown lock token")
	ErrNoHandler        = errors.New("iotlink: no message handler")

	// Lifecycle errors
	ErrNotSupported    = errors.New("iotlink: capability not supported")
	ErrConnectorClosed = errors.New("iotlink: connector is closed")
	ErrTransportClosed = errors.New("iotlink: transport is closed")
)

// ConfigError reports an invalid or incomplete connector configuration
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// EncodeError reports a payload the configured encoder could not serialize
type EncodeError struct {
	Index int // position of the payload in the submitted batch
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error: message %d: %v", e.Index, e.Err)
}

func (e *EncodeError) Unwrap() []error {
	return []error{ErrEncodeFailed, e.Err}
}

// SendError reports a batch that could not be delivered within the retry budget.
// The batch stays buffered.
type SendError struct {
	Attempts int
	Pending  int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %d messages pending after %d attempts: %v",
		e.Pending, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// CallbackError wraps an error returned by the caller's success callback.
// Such errors are never retried.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("success callback: %v", e.Err)
}

func (e *CallbackError) Unwrap() []error {
	return []error{ErrCallbackFailed, e.Err}
}

// TransportError represents a failed transport operation
type TransportError struct {
	Op  string // send, receive, complete, abandon
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Cause returns the innermost error of a wrapped chain.
// Multi-error wrappers are followed through their last element.
func Cause(err error) error {
	for err != nil {
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return err
			}
			err = next
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return err
			}
			err = errs[len(errs)-1]
		default:
			return err
		}
	}
	return err
}
