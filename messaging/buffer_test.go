package messaging

import (
	"testing"

	"github.com/glimte/iotlink/contracts"
	"github.com/stretchr/testify/assert"
)

func TestOutboundBuffer(t *testing.T) {
	t.Run("Keeps insertion order", func(t *testing.T) {
		b := NewOutboundBuffer()
		for i := 0; i < 3; i++ {
			b.Append(contracts.NewEnvelopeWithBody(i), i)
		}

		assert.Equal(t, 3, b.Len())
		assert.Equal(t, []any{0, 1, 2}, b.Originals())
		for i, env := range b.Wire() {
			assert.Equal(t, i, env.Object())
		}
	})

	t.Run("Snapshot is detached", func(t *testing.T) {
		b := NewOutboundBuffer()
		b.Append(contracts.NewEnvelope(), "a")

		snap := b.Snapshot()
		b.Append(contracts.NewEnvelope(), "b")

		assert.Len(t, snap, 1)
		assert.Equal(t, 2, b.Len())
	})

	t.Run("ReplaceAll and Clear", func(t *testing.T) {
		b := NewOutboundBuffer()
		b.Append(contracts.NewEnvelope(), "old")

		items := []PendingItem{
			{Wire: contracts.NewEnvelope(), Original: "x"},
			{Wire: contracts.NewEnvelope(), Original: "y"},
		}
		b.ReplaceAll(items)
		items[0].Original = "mutated"

		assert.Equal(t, []any{"x", "y"}, b.Originals())

		b.Clear()
		assert.Zero(t, b.Len())
		assert.Empty(t, b.Originals())
	})
}
