// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: Dials with bounded retries and reconnects when the broker drops the connection
//   - ChannelPool: Pools channels in confirm mode for publishing
//   - Publisher: Publishes a batch and waits until the broker confirmed every message
//   - Poller: Fetches single messages with basic.get and acknowledges them on the fetching channel
//   - TopologyManager: Declares the exchanges, queues and bindings of a device
package rabbitmq
