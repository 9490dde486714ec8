package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/iotlink/messaging"
)

// TransportChecker reports whether the transport holds a live connection
type TransportChecker struct {
	name      string
	transport messaging.ConnectionChecker
}

// NewTransportChecker creates a transport checker named after the transport
func NewTransportChecker(name string, transport messaging.ConnectionChecker) *TransportChecker {
	return &TransportChecker{
		name:      name,
		transport: transport,
	}
}

func (c *TransportChecker) Name() string {
	return "transport_" + c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.transport.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BacklogChecker degrades when too many messages wait in the send buffer
type BacklogChecker struct {
	pending           func() int
	warningThreshold  int
	criticalThreshold int
}

// NewBacklogChecker creates a checker over pending, e.g. a collector's Pending
func NewBacklogChecker(pending func() int, warningThreshold, criticalThreshold int) *BacklogChecker {
	return &BacklogChecker{
		pending:           pending,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *BacklogChecker) Name() string {
	return "send_backlog"
}

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := c.pending()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"pending": n},
	}

	switch {
	case c.criticalThreshold > 0 && n >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Send backlog critical: %d", n)
	case c.warningThreshold > 0 && n >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Send backlog high: %d", n)
	default:
		result.Status = StatusHealthy
		result.Message = "Send backlog is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker grades the depth of the device's command queue
type QueueChecker struct {
	inspector         messaging.QueueInspector
	warningThreshold  int
	criticalThreshold int
}

// NewQueueChecker creates a queue checker. Zero thresholds default to 1000
// and 10000 waiting commands.
func NewQueueChecker(inspector messaging.QueueInspector, warningThreshold, criticalThreshold int) *QueueChecker {
	if warningThreshold <= 0 {
		warningThreshold = 1000
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 10000
	}
	return &QueueChecker{
		inspector:         inspector,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return "command_queue"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	info, err := c.inspector.InspectQueue(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to inspect command queue"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["queue"] = info.Name
	result.Details["messages"] = info.Messages
	result.Details["locked"] = info.Locked
	if info.Consumers >= 0 {
		result.Details["consumers"] = info.Consumers
	}

	switch {
	case info.Messages >= c.criticalThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High message count: %d messages", info.Messages)
	case info.Messages >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Elevated message count: %d messages", info.Messages)
	default:
		result.Status = StatusHealthy
		result.Message = "Queue is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
