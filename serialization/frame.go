package serialization

import (
	"fmt"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/goccy/go-json"
)

// Payload returns the wire bytes of env. Stream bodies are read as is,
// object bodies are marshalled to JSON.
func Payload(env *contracts.Envelope) ([]byte, error) {
	if env.HasStream() {
		return env.ReadBody()
	}
	if env.Object() == nil {
		return nil, nil
	}

	body, err := json.Marshal(env.Object())
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return body, nil
}

// FrameVersion marks a payload as a frame
const FrameVersion = 1

// Frame carries an envelope over transports without native message
// properties. Body is base64 in JSON.
type Frame struct {
	Version         int            `json:"v"`
	MessageID       string         `json:"id,omitempty"`
	CorrelationID   string         `json:"cid,omitempty"`
	ContentType     string         `json:"ct,omitempty"`
	ContentEncoding string         `json:"ce,omitempty"`
	Label           string         `json:"label,omitempty"`
	SessionID       string         `json:"sid,omitempty"`
	PartitionKey    string         `json:"pk,omitempty"`
	ReplyTo         string         `json:"rt,omitempty"`
	To              string         `json:"to,omitempty"`
	TimeToLive      time.Duration  `json:"ttl,omitempty"`
	EnqueuedTime    time.Time      `json:"ts"`
	Properties      map[string]any `json:"props,omitempty"`
	Body            []byte         `json:"body"`
}

// MarshalFrame encodes env and its body as a frame
func MarshalFrame(env *contracts.Envelope) ([]byte, error) {
	body, err := Payload(env)
	if err != nil {
		return nil, err
	}

	enqueued := env.EnqueuedTime
	if enqueued.IsZero() {
		enqueued = time.Now().UTC()
	}

	f := Frame{
		Version:         FrameVersion,
		MessageID:       env.MessageID,
		CorrelationID:   env.CorrelationID,
		ContentType:     env.ContentType,
		ContentEncoding: env.ContentEncoding,
		Label:           env.Label,
		SessionID:       env.SessionID,
		PartitionKey:    env.PartitionKey,
		ReplyTo:         env.ReplyTo,
		To:              env.To,
		TimeToLive:      env.TimeToLive,
		EnqueuedTime:    enqueued,
		Properties:      env.Properties,
		Body:            body,
	}

	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	return b, nil
}

// MarshalBatch encodes envs as a JSON array of frames
func MarshalBatch(envs []*contracts.Envelope) ([]byte, error) {
	frames := make([]json.RawMessage, len(envs))
	for i, env := range envs {
		b, err := MarshalFrame(env)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		frames[i] = b
	}
	return json.Marshal(frames)
}

// UnmarshalBatch decodes a JSON array of frames
func UnmarshalBatch(b []byte) ([]*contracts.Envelope, error) {
	var frames []json.RawMessage
	if err := json.Unmarshal(b, &frames); err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	envs := make([]*contracts.Envelope, len(frames))
	for i, raw := range frames {
		env, err := UnmarshalFrame(raw)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		envs[i] = env
	}
	return envs, nil
}

// DecodeInbound turns a received payload into an envelope. Frames keep their
// metadata; any other payload becomes the body of a bare envelope.
func DecodeInbound(b []byte) *contracts.Envelope {
	var probe struct {
		Version int `json:"v"`
	}
	if json.Unmarshal(b, &probe) == nil && probe.Version == FrameVersion {
		if env, err := UnmarshalFrame(b); err == nil {
			return env
		}
	}
	return contracts.NewEnvelopeFromBytes(b)
}

// UnmarshalFrame decodes a frame into a stream envelope
func UnmarshalFrame(b []byte) (*contracts.Envelope, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}

	env := contracts.NewEnvelopeFromBytes(f.Body)
	env.MessageID = f.MessageID
	env.CorrelationID = f.CorrelationID
	env.ContentType = f.ContentType
	env.ContentEncoding = f.ContentEncoding
	env.Label = f.Label
	env.SessionID = f.SessionID
	env.PartitionKey = f.PartitionKey
	env.ReplyTo = f.ReplyTo
	env.To = f.To
	env.TimeToLive = f.TimeToLive
	env.EnqueuedTime = f.EnqueuedTime
	if !f.EnqueuedTime.IsZero() && f.TimeToLive > 0 {
		env.ExpiresAt = f.EnqueuedTime.Add(f.TimeToLive)
	}
	for k, v := range f.Properties {
		env.Properties[k] = v
	}
	return env, nil
}
