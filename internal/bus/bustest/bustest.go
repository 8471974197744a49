// Package bustest provides an in-memory bus.Transport for tests.
package bustest

import (
	"context"
	"sync"

	"github.com/loqalabs/hermeskit/internal/bus"
)

type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

type Subscription struct {
	Pattern string
	QoS     byte
}

// Transport records publishes and subscriptions. Connect reports ConnectCode
// to the connect handler.
type Transport struct {
	Handlers    bus.Handlers
	ConnectCode byte
	PublishErr  error

	mu            sync.Mutex
	published     []Published
	subscriptions []Subscription
	connected     bool
}

func New(handlers bus.Handlers) *Transport {
	return &Transport{Handlers: handlers}
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Handlers.OnConnect != nil {
		if err := t.Handlers.OnConnect(t.ConnectCode); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.connected = t.ConnectCode == 0
	t.mu.Unlock()
	return nil
}

func (t *Transport) Subscribe(pattern string, qos byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions = append(t.subscriptions, Subscription{Pattern: pattern, QoS: qos})
	return nil
}

func (t *Transport) Publish(topic string, qos byte, payload []byte) error {
	if t.PublishErr != nil {
		return t.PublishErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, Published{Topic: topic, QoS: qos, Payload: append([]byte(nil), payload...)})
	return nil
}

// Deliver hands a message to the registered message handler as the broker
// would.
func (t *Transport) Deliver(topic string, payload []byte) {
	if t.Handlers.OnMessage != nil {
		t.Handlers.OnMessage(bus.Message{Topic: topic, Payload: payload})
	}
}

func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Close() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

func (t *Transport) Subscriptions() []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Subscription(nil), t.subscriptions...)
}

// Reset forgets everything recorded so far.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = nil
	t.subscriptions = nil
}
