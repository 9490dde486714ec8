package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the exchanges, queues and bindings a device needs
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DeviceRoutes names where a device publishes and polls
type DeviceRoutes struct {
	TelemetryExchange   string
	TelemetryRoutingKey string
	TelemetryQueue      string
	CommandExchange     string
	CommandQueue        string
}

// NewDeviceRoutes derives the routes of deviceID
func NewDeviceRoutes(deviceID string) DeviceRoutes {
	return DeviceRoutes{
		TelemetryExchange:   "iotlink.telemetry",
		TelemetryRoutingKey: "devices." + deviceID + ".telemetry",
		TelemetryQueue:      "devices." + deviceID + ".telemetry",
		CommandExchange:     "iotlink.commands",
		CommandQueue:        "devices." + deviceID + ".commands",
	}
}

// Topology returns the declarations backing the routes. The command queue
// is bound with the queue name as routing key.
func (r DeviceRoutes) Topology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: r.TelemetryExchange, Type: amqp.ExchangeTopic, Durable: true},
			{Name: r.CommandExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: r.TelemetryQueue, Durable: true},
			{Name: r.CommandQueue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: r.TelemetryQueue, Exchange: r.TelemetryExchange, RoutingKey: r.TelemetryRoutingKey},
			{Queue: r.CommandQueue, Exchange: r.CommandExchange, RoutingKey: r.CommandQueue},
		},
	}
}

// TopologyManager declares topology on a short-lived channel
type TopologyManager struct {
	manager *ConnectionManager
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{
		manager: manager,
	}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := tm.manager.Channel()
	if err != nil {
		return &ChannelError{Op: "open topology channel", ChannelID: "topology", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	for _, exchange := range topology.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range topology.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range topology.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
		}
	}

	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
