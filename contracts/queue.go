package contracts

// QueueInfo describes the inbound command queue of a device as the broker
// reports it
type QueueInfo struct {
	Name string `json:"name"`
	// Messages waiting to be received
	Messages int `json:"messages"`
	// Messages received but not yet completed or abandoned
	Locked int `json:"locked"`
	// Consumers attached to the queue, -1 when the broker cannot tell
	Consumers int `json:"consumers"`
}
