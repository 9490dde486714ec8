package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/serialization"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offline builds a transport without connecting
func offline(opts ...Option) *Transport {
	t := &Transport{
		cli:          redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}),
		keys:         NewKeys("dev-1"),
		group:        DefaultGroup,
		consumer:     "dev-1",
		lockDuration: DefaultLockDuration,
		locks:        make(map[string]redis.XMessage),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func TestKeys(t *testing.T) {
	keys := NewKeys("pump-7")
	assert.Equal(t, "devices:pump-7:telemetry", keys.Telemetry)
	assert.Equal(t, "devices:pump-7:commands", keys.Commands)
}

func TestToEnvelope(t *testing.T) {
	tr := offline(WithLockDuration(time.Minute))

	src := contracts.NewEnvelopeFromBytes([]byte("open-valve"))
	src.MessageID = "cmd-1"
	frame, err := serialization.MarshalFrame(src)
	require.NoError(t, err)

	t.Run("frame", func(t *testing.T) {
		env := tr.toEnvelope(redis.XMessage{
			ID:     "1700000000000-3",
			Values: map[string]any{fieldFrame: string(frame), fieldAttempts: "0"},
		})
		body, _ := env.ReadBody()
		assert.Equal(t, "open-valve", string(body))
		assert.Equal(t, "cmd-1", env.MessageID)
		assert.Equal(t, "1700000000000-3", env.LockToken)
		assert.Equal(t, 1, env.DeliveryCount)
		assert.WithinDuration(t, time.Now().Add(time.Minute), env.LockedUntil, 5*time.Second)
	})

	t.Run("raw payload after abandon", func(t *testing.T) {
		env := tr.toEnvelope(redis.XMessage{
			ID:     "1700000000000-0",
			Values: map[string]any{fieldFrame: "plain", fieldAttempts: "2"},
		})
		body, _ := env.ReadBody()
		assert.Equal(t, "plain", string(body))
		assert.Equal(t, 3, env.DeliveryCount)
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), env.EnqueuedTime)
	})
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 0, attempts(redis.XMessage{}))
	assert.Equal(t, 4, attempts(redis.XMessage{Values: map[string]any{fieldAttempts: "4"}}))
	assert.Equal(t, 2, attempts(redis.XMessage{Values: map[string]any{fieldAttempts: 2}}))

	assert.Equal(t, []byte("x"), frameOf(redis.XMessage{Values: map[string]any{fieldFrame: "x"}}))
	assert.Nil(t, frameOf(redis.XMessage{}))

	ms, ok := idTime("1526919030474-55")
	assert.True(t, ok)
	assert.Equal(t, int64(1526919030474), ms)
	_, ok = idTime("bogus")
	assert.False(t, ok)

	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("ERR no such key")))
}

func TestAddArgs(t *testing.T) {
	tr := offline(WithMaxLen(1000))

	args := tr.addArgs(tr.keys.Telemetry, []byte("f"), 0)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	args = tr.addArgs(tr.keys.Commands, []byte("f"), 3)
	assert.Zero(t, args.MaxLen)
	assert.Equal(t, 3, args.Values.(map[string]any)[fieldAttempts])
}

func TestLocks(t *testing.T) {
	tr := offline()

	env := contracts.NewEnvelope()
	env.LockToken = "1-0"
	_, err := tr.takeLock(env)
	assert.ErrorIs(t, err, contracts.ErrUnknownLockToken)

	_, err = tr.takeLock(nil)
	assert.ErrorIs(t, err, contracts.ErrUnknownLockToken)

	tr.locks["1-0"] = redis.XMessage{ID: "1-0"}
	xmsg, err := tr.takeLock(env)
	require.NoError(t, err)
	assert.Equal(t, "1-0", xmsg.ID)
	assert.Empty(t, tr.locks)

	tr.restoreLock(xmsg)
	assert.Contains(t, tr.locks, "1-0")
}

func TestClosedTransport(t *testing.T) {
	ctx := context.Background()
	tr := offline()
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.SendBatch(ctx, nil), contracts.ErrTransportClosed)
	_, err := tr.Receive(ctx, 0)
	assert.ErrorIs(t, err, contracts.ErrTransportClosed)
	assert.ErrorIs(t, tr.Complete(ctx, contracts.NewEnvelope()), contracts.ErrTransportClosed)
}

func TestNewTransportUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewTransport(ctx, &redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1}, "dev-1")
	var te *contracts.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
}
