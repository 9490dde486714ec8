package mqtt

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// clientMock is a paho.Client that records publishes and delivers
// messages to its subscribers synchronously
type clientMock struct {
	Opt *paho.ClientOptions

	mu           sync.Mutex
	subs         []mockSub
	published    []publishRecord
	connectErr   error
	publishErr   error
	connected    bool
	disconnected bool
}

type publishRecord struct {
	topic   string
	qos     byte
	payload []byte
}

type mockSub struct {
	pattern string
	qos     byte
	handler paho.MessageHandler
}

func newClientMock() *clientMock {
	return &clientMock{}
}

func (m *clientMock) factory(opt *paho.ClientOptions) paho.Client {
	m.Opt = opt
	return m
}

// Deliver hands payload to the subscriber of topic and returns the message
// so callers can check its acknowledgment
func (m *clientMock) Deliver(topic string, payload []byte) (*mockMsg, error) {
	m.mu.Lock()
	var sub *mockSub
	for i := range m.subs {
		if m.subs[i].pattern == topic {
			sub = &m.subs[i]
			break
		}
	}
	m.mu.Unlock()

	if sub == nil {
		return nil, errors.New("not subscribed for topic " + topic)
	}
	msg := &mockMsg{topic: topic, payload: payload, qos: sub.qos, id: 7, acked: make(chan struct{})}
	sub.handler(m, msg)
	return msg, nil
}

func (m *clientMock) Published() []publishRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishRecord, len(m.published))
	copy(out, m.published)
	return out
}

func (m *clientMock) IsConnected() bool { return m.IsConnectionOpen() }

func (m *clientMock) IsConnectionOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *clientMock) Connect() paho.Token {
	if m.connectErr != nil {
		return mockToken{m.connectErr}
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	if m.Opt != nil && m.Opt.OnConnect != nil {
		m.Opt.OnConnect(m)
	}
	return mockToken{nil}
}

func (m *clientMock) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnected = true
}

func (m *clientMock) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return mockToken{m.publishErr}
	}
	m.published = append(m.published, publishRecord{topic: topic, qos: qos, payload: payload.([]byte)})
	return mockToken{nil}
}

func (m *clientMock) Subscribe(pattern string, qos byte, handler paho.MessageHandler) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, mockSub{pattern, qos, handler})
	return mockToken{nil}
}

func (m *clientMock) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	panic("not implemented")
}

func (m *clientMock) Unsubscribe(...string) paho.Token { panic("not implemented") }

func (m *clientMock) AddRoute(string, paho.MessageHandler) { panic("not implemented") }

func (m *clientMock) OptionsReader() paho.ClientOptionsReader {
	panic("not implemented")
}

type mockToken struct{ err error }

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }
func (tok mockToken) Done() <-chan struct{}          { return closedDone }
func (tok mockToken) Error() error                   { return tok.err }

type mockMsg struct {
	topic     string
	payload   []byte
	qos       byte
	id        uint16
	duplicate bool
	acked     chan struct{}
	ackOnce   sync.Once
}

func (msg *mockMsg) Ack() {
	if msg.acked != nil {
		msg.ackOnce.Do(func() { close(msg.acked) })
	}
}

func (msg *mockMsg) Acked() bool {
	select {
	case <-msg.acked:
		return true
	default:
		return false
	}
}

func (msg *mockMsg) Duplicate() bool   { return msg.duplicate }
func (msg *mockMsg) MessageID() uint16 { return msg.id }
func (msg *mockMsg) Payload() []byte   { return msg.payload }
func (msg *mockMsg) Qos() byte         { return msg.qos }
func (msg *mockMsg) Retained() bool    { return false }
func (msg *mockMsg) Topic() string     { return msg.topic }
