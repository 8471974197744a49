package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/loqalabs/hermeskit/internal/config"
)

// MQTT is a Transport backed by the Eclipse Paho client. Paho delivers
// messages in order on a single goroutine, which gives handlers the strictly
// sequential calling convention they rely on.
type MQTT struct {
	client   paho.Client
	handlers Handlers
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	filters filterSet
}

func NewMQTT(cfg config.BrokerConfig, clientName string, handlers Handlers, log *slog.Logger) (*MQTT, error) {
	t := &MQTT{
		handlers: handlers,
		timeout:  connectTimeout(cfg),
		log:      log.With(slog.String("component", "bus.mqtt")),
	}

	opts := paho.NewClientOptions()
	scheme := "tcp"
	if cfg.TLSEnabled() {
		tlsCfg, err := TLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s", scheme, cfg.Address())
	opts.AddBroker(broker)

	opts.SetClientID(cfg.ClientID)
	// subscriptions are re-issued by the connect handler after every reconnect
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	}
	opts.SetConnectTimeout(t.timeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		t.log.Warn("connection to broker lost", slogError(err))
	})
	opts.SetDefaultPublishHandler(t.onMessage)

	t.client = paho.NewClient(opts)
	t.log.Debug("mqtt client configured",
		slog.String("broker", broker),
		slog.String("client", clientName),
		slog.String("username", cfg.Username))
	return t, nil
}

// Connect blocks until the broker acknowledges the connection. A refusal by
// the broker is reported through the connect handler so the caller can treat
// it as fatal.
func (t *MQTT) Connect(ctx context.Context) error {
	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		if ct, ok := token.(*paho.ConnectToken); ok && isRefusal(ct.ReturnCode()) && t.handlers.OnConnect != nil {
			if herr := t.handlers.OnConnect(ct.ReturnCode()); herr != nil {
				return herr
			}
		}
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	t.log.Info("connected to MQTT broker")
	return nil
}

// CONNACK codes 1-5 are broker refusals; paho uses values above 0x7f for
// local network and protocol failures.
func isRefusal(code byte) bool {
	return code > 0 && code < 0x80
}

func (t *MQTT) onConnect(_ paho.Client) {
	// a clean session starts without subscriptions
	t.mu.Lock()
	t.filters.reset()
	t.mu.Unlock()
	if t.handlers.OnConnect == nil {
		return
	}
	if err := t.handlers.OnConnect(0); err != nil {
		t.log.Error("connect handler failed", slogError(err))
	}
}

func (t *MQTT) onMessage(_ paho.Client, msg paho.Message) {
	if t.handlers.OnMessage == nil {
		return
	}
	t.handlers.OnMessage(Message{
		Topic:    msg.Topic(),
		Payload:  msg.Payload(),
		QoS:      msg.Qos(),
		Retained: msg.Retained(),
	})
}

// Subscribe registers pattern with the broker. Messages are routed through
// the default publish handler. Some brokers send one copy per matching
// filter, so overlapping patterns are merged into one wider filter.
func (t *MQTT) Subscribe(pattern string, qos byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, stale := t.filters.add(pattern, qos)
	if f != nil {
		token := t.client.Subscribe(f.pattern, f.qos, nil)
		if err := t.wait(token); err != nil {
			return fmt.Errorf("subscribe %s: %w", f.pattern, err)
		}
		t.log.Debug("subscribed", slog.String("topic", f.pattern), slog.String("pattern", pattern), slog.Int("qos", int(f.qos)))
	}
	if len(stale) > 0 {
		if err := t.wait(t.client.Unsubscribe(stale...)); err != nil {
			t.log.Warn("unsubscribe failed", slog.Any("topics", stale), slogError(err))
		}
	}
	return nil
}

func (t *MQTT) wait(token paho.Token) error {
	if !token.WaitTimeout(t.timeout) {
		return errors.New("timed out")
	}
	return token.Error()
}

// Publish hands the message to paho without waiting for the broker's
// acknowledgement; waiting from inside an ordered handler would deadlock.
func (t *MQTT) Publish(topic string, qos byte, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	token := t.client.Publish(topic, qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			t.log.Warn("publish failed", slog.String("topic", topic), slogError(err))
		}
	}()
	t.log.Debug("published", slog.String("topic", topic), slog.Int("bytes", len(payload)))
	return nil
}

func (t *MQTT) Healthy() bool {
	return t != nil && t.client != nil && t.client.IsConnectionOpen()
}

func (t *MQTT) Close() {
	if t == nil || t.client == nil {
		return
	}
	t.log.Info("closing MQTT connection")
	t.client.Disconnect(250)
}
