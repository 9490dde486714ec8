package contracts

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"time"
)

// Envelope wraps a payload and its delivery metadata
type Envelope struct {
	body   any
	stream io.Reader

	ContentType            string
	ContentEncoding        string
	CorrelationID          string
	DeliveryCount          int
	EnqueuedSequenceNumber int64
	EnqueuedTime           time.Time
	ExpiresAt              time.Time
	ForcePersistence       bool
	IsBodyConsumed         bool
	Label                  string
	LockedUntil            time.Time
	LockToken              string
	MessageID              string
	PartitionKey           string
	Properties             map[string]any
	ReplyTo                string
	ReplyToSessionID       string
	ScheduledEnqueueTime   time.Time
	SequenceNumber         int64
	SessionID              string
	Size                   int64
	TimeToLive             time.Duration
	To                     string
	ViaPartitionKey        string
}

// NewEnvelope creates an envelope with every field at its zero value
func NewEnvelope() *Envelope {
	return &Envelope{
		Properties: make(map[string]any),
	}
}

// NewEnvelopeWithBody creates an envelope carrying an in-memory object
func NewEnvelopeWithBody(body any) *Envelope {
	e := NewEnvelope()
	e.body = body
	return e
}

// NewEnvelopeFromStream creates an envelope whose body is read from r
func NewEnvelopeFromStream(r io.Reader) *Envelope {
	e := NewEnvelope()
	e.stream = r
	return e
}

// NewEnvelopeFromBytes is a shorthand for a stream envelope over b.
// Size is set to len(b).
func NewEnvelopeFromBytes(b []byte) *Envelope {
	e := NewEnvelopeFromStream(bytes.NewReader(b))
	e.Size = int64(len(b))
	return e
}

var (
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
	streamType = reflect.TypeOf((*io.Reader)(nil)).Elem()
)

// GetBody returns the body in the requested form.
//
// T = any yields the object body, T = io.Reader yields the stream body.
// Any other T, or a form the envelope was not built with, yields the zero value.
func GetBody[T any](e *Envelope) T {
	var zero T
	if e == nil {
		return zero
	}

	switch reflect.TypeOf((*T)(nil)).Elem() {
	case anyType:
		if e.body != nil {
			if v, ok := any(e.body).(T); ok {
				return v
			}
		}
	case streamType:
		if e.stream != nil {
			if v, ok := any(e.stream).(T); ok {
				return v
			}
		}
	}
	return zero
}

// Object returns the in-memory body, or nil for stream envelopes
func (e *Envelope) Object() any {
	return e.body
}

// Stream returns the stream body, or nil for object envelopes
func (e *Envelope) Stream() io.Reader {
	return e.stream
}

// HasStream reports whether the body is a stream
func (e *Envelope) HasStream() bool {
	return e.stream != nil
}

// ReadBody drains the stream body and re-arms it with the bytes read,
// so later readers see the same content. Object envelopes return nil.
func (e *Envelope) ReadBody() ([]byte, error) {
	if e.stream == nil {
		return nil, nil
	}

	b, err := io.ReadAll(e.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope body: %w", err)
	}
	e.stream = bytes.NewReader(b)
	e.IsBodyConsumed = true
	if e.Size == 0 {
		e.Size = int64(len(b))
	}
	return b, nil
}

// Clone returns a shallow copy with its own Properties map.
// A stream body is shared, so callers that need an independent body
// should call ReadBody first.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		c.Properties[k] = v
	}
	if r, ok := e.stream.(*bytes.Reader); ok {
		// bytes.Reader keeps a cursor; give the copy its own
		b := make([]byte, r.Len())
		_, _ = r.ReadAt(b, r.Size()-int64(r.Len()))
		c.stream = bytes.NewReader(b)
	}
	return &c
}
