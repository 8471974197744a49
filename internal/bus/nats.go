package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/topic"
	"github.com/nats-io/nats.go"
)

// connackNotAuthorized mirrors the MQTT refusal code for bad credentials so
// both transports report rejections the same way.
const connackNotAuthorized byte = 5

// NATS is a Transport over a NATS connection. Topics are translated to
// subjects ("/" to ".", "+" to "*", "#" to ">").
type NATS struct {
	url      string
	timeout  time.Duration
	options  []nats.Option
	handlers Handlers
	log      *slog.Logger

	conn *nats.Conn

	// deliver serialises callbacks across subscriptions
	deliver sync.Mutex

	mu      sync.Mutex
	filters filterSet
	subs    map[string]*nats.Subscription
}

func NewNATS(cfg config.BrokerConfig, clientName string, handlers Handlers, log *slog.Logger) (*NATS, error) {
	t := &NATS{
		url:      fmt.Sprintf("nats://%s", cfg.Address()),
		timeout:  connectTimeout(cfg),
		handlers: handlers,
		log:      log.With(slog.String("component", "bus.nats")),
		subs:     make(map[string]*nats.Subscription),
	}

	options := []nats.Option{
		nats.Name(clientName),
		nats.Timeout(t.timeout),
		nats.ReconnectHandler(func(*nats.Conn) {
			t.log.Info("reconnected to NATS")
			t.notifyConnect()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.log.Warn("connection to broker lost", slogError(err))
			}
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSEnabled() || cfg.TLSInsecure {
		tlsCfg, err := TLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		options = append(options, nats.Secure(tlsCfg))
	}
	t.options = options
	return t, nil
}

func (t *NATS) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := nats.Connect(t.url, t.options...)
	if err != nil {
		if isAuthError(err) && t.handlers.OnConnect != nil {
			if herr := t.handlers.OnConnect(connackNotAuthorized); herr != nil {
				return herr
			}
		}
		return fmt.Errorf("connect to nats: %w", err)
	}
	t.conn = conn
	t.log.Info("connected to NATS", slog.String("url", t.url))

	if t.handlers.OnConnect != nil {
		if err := t.handlers.OnConnect(0); err != nil {
			conn.Close()
			return err
		}
	}
	return nil
}

// nats.go reports a refused CONNECT either as ErrAuthorization or as the
// server's -ERR text.
func isAuthError(err error) bool {
	if errors.Is(err, nats.ErrAuthorization) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "authorization violation")
}

func (t *NATS) notifyConnect() {
	if t.handlers.OnConnect == nil {
		return
	}
	if err := t.handlers.OnConnect(0); err != nil {
		t.log.Error("connect handler failed", slogError(err))
	}
}

// Subscribe is idempotent per pattern: NATS keeps subscriptions across
// reconnects, so re-issuing them must not double deliveries. Overlapping
// patterns share one wider subscription, since NATS hands every matching
// subscription its own copy of a message.
func (t *NATS) Subscribe(pattern string, qos byte) error {
	if t.conn == nil {
		return errors.New("subscribe: not connected")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f, stale := t.filters.add(pattern, qos)
	if f != nil {
		if _, ok := t.subs[f.pattern]; !ok {
			subject := topic.ToNATS(f.pattern)
			sub, err := t.conn.Subscribe(subject, t.handle)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			t.subs[f.pattern] = sub
			t.log.Debug("subscribed", slog.String("subject", subject), slog.String("pattern", pattern))
		}
	}
	for _, p := range stale {
		if sub, ok := t.subs[p]; ok {
			if err := sub.Unsubscribe(); err != nil {
				t.log.Warn("unsubscribe failed", slog.String("subject", sub.Subject), slogError(err))
			}
			delete(t.subs, p)
		}
	}
	// the broker has the interest once Subscribe returns
	if err := t.conn.FlushTimeout(t.timeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return nil
}

func (t *NATS) handle(msg *nats.Msg) {
	if t.handlers.OnMessage == nil || !t.live(msg.Sub) {
		return
	}
	t.deliver.Lock()
	defer t.deliver.Unlock()
	t.handlers.OnMessage(Message{
		Topic:   topic.FromNATS(msg.Subject),
		Payload: msg.Data,
	})
}

// live drops copies still queued on a subscription a merge replaced.
func (t *NATS) live(sub *nats.Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s == sub {
			return true
		}
	}
	return false
}

func (t *NATS) Publish(name string, _ byte, payload []byte) error {
	if t.conn == nil {
		return fmt.Errorf("publish %s: not connected", name)
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("publish %s: topic segments must not contain '.' on NATS", name)
	}
	return t.conn.Publish(topic.ToNATS(name), payload)
}

func (t *NATS) Healthy() bool {
	return t != nil && t.conn != nil && t.conn.Status() == nats.CONNECTED
}

func (t *NATS) Close() {
	if t == nil || t.conn == nil {
		return
	}
	t.log.Info("closing NATS connection")
	_ = t.conn.Drain()
	t.conn.Close()
}
