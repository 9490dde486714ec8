package inbox

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/google/uuid"
)

var (
	// ErrFull is returned by Push when the inbox holds its maximum
	ErrFull = errors.New("inbox: full")
	// ErrClosed is returned once the inbox is closed
	ErrClosed = errors.New("inbox: closed")
)

// Entry is a received message waiting for a consumer or locked by one.
// Take hands out a separate Entry per delivery whose Envelope is a copy
// owned by the consumer; the inbox never touches it afterwards.
type Entry struct {
	Envelope *contracts.Envelope
	// Ref is the transport's handle for the message, e.g. the broker message
	// that must be acknowledged on completion
	Ref      any
	Enqueued time.Time

	seq        uint64
	deliveries int
}

type lock struct {
	entry *Entry
	until time.Time
}

// Stats describes the inbox content
type Stats struct {
	Ready     int
	Locked    int
	Delivered int64
	Completed int64
	Abandoned int64
	Expired   int64
}

// Inbox is an in-memory peek-lock queue. Taking a message locks it under a
// fresh lock token until it is completed, abandoned or its lock expires.
type Inbox struct {
	mu           sync.Mutex
	ready        []*Entry
	locked       map[string]lock
	signal       chan struct{}
	maxEntries   int
	lockDuration time.Duration
	now          func() time.Time
	closed       bool
	seq          uint64
	stats        Stats
}

// Option configures the inbox
type Option func(*Inbox)

// WithMaxEntries bounds ready plus locked entries. Zero means unbounded.
func WithMaxEntries(max int) Option {
	return func(in *Inbox) {
		in.maxEntries = max
	}
}

// WithLockDuration sets how long a taken message stays locked
func WithLockDuration(d time.Duration) Option {
	return func(in *Inbox) {
		if d > 0 {
			in.lockDuration = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(in *Inbox) {
		if now != nil {
			in.now = now
		}
	}
}

// New creates an empty inbox
func New(opts ...Option) *Inbox {
	in := &Inbox{
		ready:        make([]*Entry, 0),
		locked:       make(map[string]lock),
		signal:       make(chan struct{}, 1),
		maxEntries:   10000,
		lockDuration: 5 * time.Minute,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(in)
	}

	return in
}

// Push appends a message. A stream body is buffered so every delivery can
// read it.
func (in *Inbox) Push(env *contracts.Envelope, ref any) error {
	if env == nil {
		return fmt.Errorf("inbox: envelope cannot be nil")
	}
	if _, buffered := env.Stream().(*bytes.Reader); env.HasStream() && !buffered {
		consumed := env.IsBodyConsumed
		if _, err := env.ReadBody(); err != nil {
			return fmt.Errorf("inbox: read body: %w", err)
		}
		env.IsBodyConsumed = consumed
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	if in.maxEntries > 0 && len(in.ready)+len(in.locked) >= in.maxEntries {
		return ErrFull
	}

	now := in.now()
	if env.EnqueuedTime.IsZero() {
		env.EnqueuedTime = now
	}
	in.seq++
	in.ready = append(in.ready, &Entry{Envelope: env, Ref: ref, Enqueued: now, seq: in.seq})
	in.notify()
	return nil
}

// Take waits up to timeout for a message and locks it. A timeout <= 0
// checks once. It returns nil when nothing arrived in time.
func (in *Inbox) Take(ctx context.Context, timeout time.Duration) (*Entry, error) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}

	for {
		entry, err := in.tryTake()
		if err != nil || entry != nil {
			return entry, err
		}
		if timer == nil {
			return nil, nil
		}

		select {
		case <-in.signal:
		case <-timer.C:
			return in.tryTake()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (in *Inbox) tryTake() (*Entry, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil, ErrClosed
	}

	in.expireLocks()

	if len(in.ready) == 0 {
		return nil, nil
	}

	entry := in.ready[0]
	in.ready[0] = nil
	in.ready = in.ready[1:]

	entry.deliveries++
	until := in.now().Add(in.lockDuration)
	env := entry.Envelope.Clone()
	env.LockToken = uuid.NewString()
	env.LockedUntil = until
	env.DeliveryCount = entry.Envelope.DeliveryCount + entry.deliveries
	in.locked[env.LockToken] = lock{entry: entry, until: until}
	in.stats.Delivered++

	if len(in.ready) > 0 {
		in.notify()
	}
	return &Entry{Envelope: env, Ref: entry.Ref, Enqueued: entry.Enqueued}, nil
}

// Complete removes a locked message for good
func (in *Inbox) Complete(lockToken string) (*Entry, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	entry, err := in.unlock(lockToken)
	if err != nil {
		return nil, err
	}
	in.stats.Completed++
	return entry, nil
}

// Abandon releases a locked message to the head of the queue
func (in *Inbox) Abandon(lockToken string) (*Entry, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	entry, err := in.unlock(lockToken)
	if err != nil {
		return nil, err
	}
	in.ready = append([]*Entry{entry}, in.ready...)
	in.stats.Abandoned++
	in.notify()
	return entry, nil
}

// Stats returns a snapshot of the counters
func (in *Inbox) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()

	s := in.stats
	s.Ready = len(in.ready)
	s.Locked = len(in.locked)
	return s
}

// Close drops all entries and fails later calls
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.closed = true
	in.ready = nil
	in.locked = make(map[string]lock)
}

// unlock removes lockToken from the locked set. Once an expired message is
// taken again its old token is unknown. Caller holds in.mu.
func (in *Inbox) unlock(lockToken string) (*Entry, error) {
	if in.closed {
		return nil, ErrClosed
	}

	l, ok := in.locked[lockToken]
	if !ok {
		return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownLockToken, lockToken)
	}
	delete(in.locked, lockToken)
	return l.entry, nil
}

// expireLocks returns messages whose lock ran out to the queue head.
// Caller holds in.mu.
func (in *Inbox) expireLocks() {
	now := in.now()
	var expired []*Entry
	for token, l := range in.locked {
		if now.After(l.until) {
			delete(in.locked, token)
			expired = append(expired, l.entry)
		}
	}
	if len(expired) == 0 {
		return
	}

	// push order, not map order
	slices.SortFunc(expired, func(a, b *Entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	in.stats.Expired += int64(len(expired))
	in.ready = append(expired, in.ready...)
}

func (in *Inbox) notify() {
	select {
	case in.signal <- struct{}{}:
	default:
	}
}
