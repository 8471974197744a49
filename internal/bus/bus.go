// Package bus connects a skill to its message broker. Both transports expose
// slash-delimited topics and deliver inbound messages one at a time.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
)

// Message is an inbound broker message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// MessageHandler receives every inbound message on the client.
type MessageHandler func(Message)

// ConnectHandler is called with the broker's connect acknowledgement code on
// every (re)connection; zero means accepted.
type ConnectHandler func(code byte) error

type Handlers struct {
	OnConnect ConnectHandler
	OnMessage MessageHandler
}

type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

type Subscriber interface {
	Subscribe(pattern string, qos byte) error
}

// Transport is a broker connection.
type Transport interface {
	Publisher
	Subscriber
	Connect(ctx context.Context) error
	Healthy() bool
	Close()
}

// New returns the transport selected by cfg.Kind.
func New(cfg config.BrokerConfig, clientName string, handlers Handlers, log *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case config.BrokerMQTT, "":
		return NewMQTT(cfg, clientName, handlers, log)
	case config.BrokerNATS:
		return NewNATS(cfg, clientName, handlers, log)
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}

func connectTimeout(cfg config.BrokerConfig) time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.ConnectTimeout) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
