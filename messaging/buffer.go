package messaging

import "github.com/glimte/iotlink/contracts"

// PendingItem pairs a wire envelope with the payload it was encoded from.
// Wire is always derived from Original, never the other way round.
type PendingItem struct {
	Wire     *contracts.Envelope
	Original any
}

// OutboundBuffer is an ordered list of items awaiting transmission.
// It is not synchronized; BatchSender serializes access to it.
type OutboundBuffer struct {
	items []PendingItem
}

// NewOutboundBuffer creates an empty buffer
func NewOutboundBuffer() *OutboundBuffer {
	return &OutboundBuffer{items: make([]PendingItem, 0)}
}

// Append adds an item at the tail
func (b *OutboundBuffer) Append(wire *contracts.Envelope, original any) {
	b.items = append(b.items, PendingItem{Wire: wire, Original: original})
}

// Len returns the number of buffered items
func (b *OutboundBuffer) Len() int {
	return len(b.items)
}

// Snapshot returns a copy of the buffered items in insertion order
func (b *OutboundBuffer) Snapshot() []PendingItem {
	items := make([]PendingItem, len(b.items))
	copy(items, b.items)
	return items
}

// Wire returns the wire envelopes in insertion order
func (b *OutboundBuffer) Wire() []*contracts.Envelope {
	wire := make([]*contracts.Envelope, len(b.items))
	for i, item := range b.items {
		wire[i] = item.Wire
	}
	return wire
}

// Originals returns the original payloads in insertion order
func (b *OutboundBuffer) Originals() []any {
	originals := make([]any, len(b.items))
	for i, item := range b.items {
		originals[i] = item.Original
	}
	return originals
}

// Clear drops every item
func (b *OutboundBuffer) Clear() {
	b.items = b.items[:0]
}

// ReplaceAll swaps the whole content for items
func (b *OutboundBuffer) ReplaceAll(items []PendingItem) {
	b.items = append(b.items[:0:0], items...)
}
