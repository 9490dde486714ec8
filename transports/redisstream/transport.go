// Package redisstream provides a transport over Redis Streams.
//
// Telemetry is appended to a per-device stream. Commands are read from a
// second stream through a consumer group; a message stays in the group's
// pending list until it is completed or abandoned. Messages left pending
// longer than the lock duration, e.g. by a crashed consumer, are claimed
// again on the next receive.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/serialization"
	"github.com/redis/go-redis/v9"
)

const (
	fieldFrame    = "frame"
	fieldAttempts = "attempts"

	DefaultGroup        = "iotlink"
	DefaultLockDuration = 5 * time.Minute
)

// Keys names the streams of a device
type Keys struct {
	Telemetry string
	Commands  string
}

// NewKeys derives the stream keys of deviceID
func NewKeys(deviceID string) Keys {
	return Keys{
		Telemetry: fmt.Sprintf("devices:%s:telemetry", deviceID),
		Commands:  fmt.Sprintf("devices:%s:commands", deviceID),
	}
}

// Transport implements messaging.Transport for Redis Streams
type Transport struct {
	cli          *redis.Client
	keys         Keys
	group        string
	consumer     string
	maxLen       int64
	lockDuration time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	locks  map[string]redis.XMessage
	closed bool
}

// Option configures the transport
type Option func(*Transport)

// WithGroup sets the consumer group reading commands
func WithGroup(group string) Option {
	return func(t *Transport) {
		if group != "" {
			t.group = group
		}
	}
}

// WithConsumer sets the consumer name within the group. Defaults to the device id.
func WithConsumer(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.consumer = name
		}
	}
}

// WithKeys overrides the derived stream keys
func WithKeys(keys Keys) Option {
	return func(t *Transport) {
		t.keys = keys
	}
}

// WithMaxLen caps the telemetry stream, trimming approximately
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		t.maxLen = n
	}
}

// WithLockDuration sets how long a received command may stay pending
// before another receive claims it
func WithLockDuration(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.lockDuration = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport connects to Redis and ensures the command consumer group exists
func NewTransport(ctx context.Context, opts *redis.Options, deviceID string, options ...Option) (*Transport, error) {
	t := &Transport{
		cli:          redis.NewClient(opts),
		keys:         NewKeys(deviceID),
		group:        DefaultGroup,
		consumer:     deviceID,
		lockDuration: DefaultLockDuration,
		logger:       slog.Default(),
		locks:        make(map[string]redis.XMessage),
	}

	for _, opt := range options {
		opt(t)
	}
	t.logger = t.logger.With("transport", "redis", "deviceId", deviceID)

	if err := t.cli.Ping(ctx).Err(); err != nil {
		t.cli.Close()
		return nil, &contracts.TransportError{Op: "connect", Err: err}
	}

	err := t.cli.XGroupCreateMkStream(ctx, t.keys.Commands, t.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		t.cli.Close()
		return nil, &contracts.TransportError{Op: "connect", Err: fmt.Errorf("create group %s: %w", t.group, err)}
	}

	t.logger.Info("connected to redis", "addr", opts.Addr, "commands", t.keys.Commands, "group", t.group)
	return t, nil
}

// Name implements messaging.NamedTransport
func (t *Transport) Name() string {
	return "redis"
}

// SendBatch appends the batch to the telemetry stream in one MULTI/EXEC
func (t *Transport) SendBatch(ctx context.Context, batch []*contracts.Envelope) error {
	if t.isClosed() {
		return contracts.ErrTransportClosed
	}

	frames := make([][]byte, len(batch))
	for i, env := range batch {
		frame, err := serialization.MarshalFrame(env)
		if err != nil {
			return &contracts.TransportError{Op: "send", Err: fmt.Errorf("message %d: %w", i, err)}
		}
		frames[i] = frame
	}

	_, err := t.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, frame := range frames {
			pipe.XAdd(ctx, t.addArgs(t.keys.Telemetry, frame, 0))
		}
		return nil
	})
	if err != nil {
		return &contracts.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *Transport) addArgs(stream string, frame []byte, attempts int) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldFrame: frame, fieldAttempts: attempts},
	}
	if t.maxLen > 0 && stream == t.keys.Telemetry {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	return args
}

// Receive claims a stale pending command or reads a new one. A timeout <= 0
// does not block.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (*contracts.Envelope, error) {
	if t.isClosed() {
		return nil, contracts.ErrTransportClosed
	}

	msg, err := t.claimStale(ctx)
	if err != nil {
		return nil, t.mapErr("receive", err)
	}

	if msg == nil {
		msg, err = t.readNew(ctx, timeout)
		if err != nil {
			return nil, t.mapErr("receive", err)
		}
		if msg == nil {
			return nil, nil
		}
	}

	env := t.toEnvelope(*msg)

	t.mu.Lock()
	t.locks[msg.ID] = *msg
	t.mu.Unlock()

	return env, nil
}

func (t *Transport) claimStale(ctx context.Context) (*redis.XMessage, error) {
	msgs, _, err := t.cli.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.keys.Commands,
		Group:    t.group,
		Consumer: t.consumer,
		MinIdle:  t.lockDuration,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	if msg.Values == nil {
		// entry was deleted while pending
		return nil, t.cli.XAck(ctx, t.keys.Commands, t.group, msg.ID).Err()
	}
	// a claimed message has been delivered at least once before
	msg.Values[fieldAttempts] = strconv.Itoa(attempts(msg) + 1)
	return &msg, nil
}

func (t *Transport) readNew(ctx context.Context, timeout time.Duration) (*redis.XMessage, error) {
	block := timeout
	if block <= 0 {
		// Block 0 waits forever; a negative value omits BLOCK
		block = -1
	}

	res, err := t.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.group,
		Consumer: t.consumer,
		Streams:  []string{t.keys.Commands, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, stream := range res {
		if len(stream.Messages) > 0 {
			msg := stream.Messages[0]
			return &msg, nil
		}
	}
	return nil, nil
}

// Complete acknowledges and deletes the command
func (t *Transport) Complete(ctx context.Context, msg *contracts.Envelope) error {
	xmsg, err := t.takeLock(msg)
	if err != nil {
		return err
	}

	_, err = t.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, t.keys.Commands, t.group, xmsg.ID)
		pipe.XDel(ctx, t.keys.Commands, xmsg.ID)
		return nil
	})
	if err != nil {
		t.restoreLock(xmsg)
		return t.mapErr("complete", err)
	}
	msg.LockToken = ""
	return nil
}

// Abandon re-appends the command with its attempt count raised and removes
// the delivered copy. The command is redelivered after those already queued.
func (t *Transport) Abandon(ctx context.Context, msg *contracts.Envelope) error {
	xmsg, err := t.takeLock(msg)
	if err != nil {
		return err
	}

	frame := frameOf(xmsg)
	_, err = t.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, t.addArgs(t.keys.Commands, frame, attempts(xmsg)+1))
		pipe.XAck(ctx, t.keys.Commands, t.group, xmsg.ID)
		pipe.XDel(ctx, t.keys.Commands, xmsg.ID)
		return nil
	})
	if err != nil {
		t.restoreLock(xmsg)
		return t.mapErr("abandon", err)
	}
	msg.LockToken = ""
	return nil
}

func (t *Transport) takeLock(msg *contracts.Envelope) (redis.XMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return redis.XMessage{}, contracts.ErrTransportClosed
	}
	if msg == nil {
		return redis.XMessage{}, contracts.ErrUnknownLockToken
	}
	xmsg, ok := t.locks[msg.LockToken]
	if !ok {
		return redis.XMessage{}, fmt.Errorf("%w: %q", contracts.ErrUnknownLockToken, msg.LockToken)
	}
	delete(t.locks, msg.LockToken)
	return xmsg, nil
}

func (t *Transport) restoreLock(xmsg redis.XMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.locks[xmsg.ID] = xmsg
	}
}

// IsConnected pings Redis
func (t *Transport) IsConnected() bool {
	if t.isClosed() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return t.cli.Ping(ctx).Err() == nil
}

// InspectQueue implements messaging.QueueInspector. Completed commands are
// deleted, so every entry left in the stream is either new or pending.
func (t *Transport) InspectQueue(ctx context.Context) (*contracts.QueueInfo, error) {
	if t.isClosed() {
		return nil, contracts.ErrTransportClosed
	}

	var (
		length    *redis.IntCmd
		pending   *redis.XPendingCmd
		consumers *redis.XInfoConsumersCmd
	)
	_, err := t.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.XLen(ctx, t.keys.Commands)
		pending = pipe.XPending(ctx, t.keys.Commands, t.group)
		consumers = pipe.XInfoConsumers(ctx, t.keys.Commands, t.group)
		return nil
	})
	if err != nil {
		return nil, t.mapErr("inspect", err)
	}

	var locked int
	if p := pending.Val(); p != nil {
		locked = int(p.Count)
	}
	return &contracts.QueueInfo{
		Name:      t.keys.Commands,
		Messages:  max(int(length.Val())-locked, 0),
		Locked:    locked,
		Consumers: len(consumers.Val()),
	}, nil
}

// Close releases the client. Pending commands are claimed by the next
// consumer once their lock expires.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.locks = make(map[string]redis.XMessage)
	t.mu.Unlock()

	return t.cli.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) toEnvelope(msg redis.XMessage) *contracts.Envelope {
	env := serialization.DecodeInbound(frameOf(msg))
	env.LockToken = msg.ID
	env.LockedUntil = time.Now().Add(t.lockDuration)
	env.DeliveryCount = attempts(msg) + 1
	if ms, ok := idTime(msg.ID); ok && env.EnqueuedTime.IsZero() {
		env.EnqueuedTime = time.UnixMilli(ms).UTC()
	}
	return env
}

func (t *Transport) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrClosed):
		return contracts.ErrTransportClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &contracts.TransportError{Op: op, Err: err}
	}
}

func frameOf(msg redis.XMessage) []byte {
	switch v := msg.Values[fieldFrame].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// attempts returns how often the message was delivered before
func attempts(msg redis.XMessage) int {
	switch v := msg.Values[fieldAttempts].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int:
		return v
	default:
		return 0
	}
}

// idTime returns the millisecond part of a stream entry id "<ms>-<seq>"
func idTime(id string) (int64, bool) {
	left, _, found := strings.Cut(id, "-")
	if !found {
		return 0, false
	}
	ms, err := strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}
