package messaging

import (
	"context"
	"time"

	"github.com/glimte/iotlink/contracts"
)

// Transport is the endpoint capability the connector is built on
type Transport interface {
	// SendBatch transmits all envelopes as one unit. Partial success is
	// reported as failure.
	SendBatch(ctx context.Context, batch []*contracts.Envelope) error

	// Receive waits up to timeout for the next inbound message.
	// A timeout <= 0 checks once without waiting.
	// It returns nil, nil when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (*contracts.Envelope, error)

	// Complete removes a received message permanently
	Complete(ctx context.Context, msg *contracts.Envelope) error

	// Abandon releases a received message for redelivery
	Abandon(ctx context.Context, msg *contracts.Envelope) error

	// Close releases all resources
	Close() error
}

// NamedTransport is implemented by transports that report what they run on
type NamedTransport interface {
	Transport
	Name() string
}

// ConnectionChecker is implemented by transports that track a live connection
type ConnectionChecker interface {
	IsConnected() bool
}

// QueueInspector is implemented by transports that can report the depth of
// the device's command queue
type QueueInspector interface {
	InspectQueue(ctx context.Context) (*contracts.QueueInfo, error)
}
