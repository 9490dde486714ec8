package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("SendBatch records bodies", func(t *testing.T) {
		tr := NewTransport()
		err := tr.SendBatch(ctx, []*contracts.Envelope{
			contracts.NewEnvelopeFromBytes([]byte("a")),
			contracts.NewEnvelopeWithBody(map[string]int{"b": 1}),
		})
		require.NoError(t, err)

		sent := tr.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, "a", string(sent[0]))
		assert.JSONEq(t, `{"b":1}`, string(sent[1]))
		assert.Equal(t, 1, tr.SendAttempts())
		assert.Equal(t, "memory", tr.Name())
	})

	t.Run("FailNext fails whole batches", func(t *testing.T) {
		tr := NewTransport()
		boom := errors.New("boom")
		tr.FailNext(boom, boom)

		batch := []*contracts.Envelope{contracts.NewEnvelopeFromBytes([]byte("x"))}
		assert.ErrorIs(t, tr.SendBatch(ctx, batch), boom)
		assert.ErrorIs(t, tr.SendBatch(ctx, batch), boom)
		assert.NoError(t, tr.SendBatch(ctx, batch))

		assert.Len(t, tr.Sent(), 1)
		assert.Equal(t, 3, tr.SendAttempts())
	})

	t.Run("Receive complete abandon", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.InjectBytes([]byte("cmd")))

		msg, err := tr.Receive(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, tr.Abandon(ctx, msg))

		msg, err = tr.Receive(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, msg.DeliveryCount)
		require.NoError(t, tr.Complete(ctx, msg))

		msg, err = tr.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, msg)

		stats := tr.InboxStats()
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(1), stats.Abandoned)
	})

	t.Run("Inspect queue", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.InjectBytes([]byte("a")))
		require.NoError(t, tr.InjectBytes([]byte("b")))
		_, err := tr.Receive(ctx, 0)
		require.NoError(t, err)

		info, err := tr.InspectQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Messages)
		assert.Equal(t, 1, info.Locked)
		assert.Equal(t, -1, info.Consumers)

		require.NoError(t, tr.Close())
		_, err = tr.InspectQueue(ctx)
		assert.ErrorIs(t, err, contracts.ErrTransportClosed)
	})

	t.Run("Unknown lock token", func(t *testing.T) {
		tr := NewTransport()
		env := contracts.NewEnvelope()
		env.LockToken = "nope"
		assert.ErrorIs(t, tr.Complete(ctx, env), contracts.ErrUnknownLockToken)
		assert.ErrorIs(t, tr.Abandon(ctx, nil), contracts.ErrUnknownLockToken)
	})

	t.Run("Loopback", func(t *testing.T) {
		tr := NewTransport(WithLoopback())
		env := contracts.NewEnvelopeFromBytes([]byte("echo"))
		env.MessageID = "m-1"
		require.NoError(t, tr.SendBatch(ctx, []*contracts.Envelope{env}))

		msg, err := tr.Receive(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		body, _ := msg.ReadBody()
		assert.Equal(t, "echo", string(body))
		assert.Equal(t, "m-1", msg.MessageID)
	})

	t.Run("Closed", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Close())
		assert.False(t, tr.IsConnected())

		assert.ErrorIs(t, tr.SendBatch(ctx, nil), contracts.ErrTransportClosed)
		_, err := tr.Receive(ctx, 0)
		assert.ErrorIs(t, err, contracts.ErrTransportClosed)
	})
}
