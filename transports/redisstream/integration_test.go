//go:build integration
// +build integration

package redisstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/serialization"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisOptions(t *testing.T) *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{Addr: addr}
}

func TestRedisIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deviceID := "it-" + uuid.NewString()
	tr, err := NewTransport(ctx, redisOptions(t), deviceID)
	require.NoError(t, err)
	defer func() {
		tr.cli.Del(context.Background(), tr.keys.Telemetry, tr.keys.Commands)
		tr.Close()
	}()

	t.Run("SendBatch appends every message", func(t *testing.T) {
		batch := []*contracts.Envelope{
			contracts.NewEnvelopeFromBytes([]byte("a")),
			contracts.NewEnvelopeFromBytes([]byte("b")),
		}
		require.NoError(t, tr.SendBatch(ctx, batch))

		entries, err := tr.cli.XRange(ctx, tr.keys.Telemetry, "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})

	t.Run("abandon then complete", func(t *testing.T) {
		cmd := contracts.NewEnvelopeFromBytes([]byte("reboot"))
		cmd.MessageID = "cmd-1"
		frame, err := serialization.MarshalFrame(cmd)
		require.NoError(t, err)
		require.NoError(t, tr.cli.XAdd(ctx, &redis.XAddArgs{
			Stream: tr.keys.Commands,
			Values: map[string]any{fieldFrame: frame},
		}).Err())

		info, err := tr.InspectQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Messages)
		assert.Zero(t, info.Locked)

		env, err := tr.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, "cmd-1", env.MessageID)

		info, err = tr.InspectQueue(ctx)
		require.NoError(t, err)
		assert.Zero(t, info.Messages)
		assert.Equal(t, 1, info.Locked)
		assert.Equal(t, 1, info.Consumers)
		assert.Equal(t, 1, env.DeliveryCount)
		require.NoError(t, tr.Abandon(ctx, env))

		again, err := tr.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.DeliveryCount)
		require.NoError(t, tr.Complete(ctx, again))

		none, err := tr.Receive(ctx, 0)
		require.NoError(t, err)
		assert.Nil(t, none)

		n, err := tr.cli.XLen(ctx, tr.keys.Commands).Result()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("stale pending messages are claimed", func(t *testing.T) {
		other, err := NewTransport(ctx, redisOptions(t), deviceID,
			WithConsumer("other"), WithLockDuration(10*time.Millisecond))
		require.NoError(t, err)
		defer other.Close()

		require.NoError(t, tr.cli.XAdd(ctx, &redis.XAddArgs{
			Stream: tr.keys.Commands,
			Values: map[string]any{fieldFrame: "lost"},
		}).Err())

		lost, err := tr.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, lost)

		time.Sleep(50 * time.Millisecond)
		claimed, err := other.Receive(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, lost.LockToken, claimed.LockToken)
		assert.Equal(t, 2, claimed.DeliveryCount)
		require.NoError(t, other.Complete(ctx, claimed))
	})
}
