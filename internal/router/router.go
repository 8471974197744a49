// Package router maps topic patterns to handlers, subscribes them when the
// broker connection comes up and dispatches every inbound message to the most
// specific matching pattern.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/hermeskit/internal/bus"
	"github.com/loqalabs/hermeskit/internal/topic"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrDuplicateSubscription = errors.New("duplicate subscription")

// ConnectionRejectedError is returned when the broker refuses the connection.
type ConnectionRejectedError struct {
	Code byte
}

func (e *ConnectionRejectedError) Error() string {
	return fmt.Sprintf("broker rejected connection (code %d)", e.Code)
}

// PayloadDecodeError aborts a single dispatch.
type PayloadDecodeError struct {
	Topic   string
	Pattern string
	Err     error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("decode payload on %s (pattern %s): %v", e.Topic, e.Pattern, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }

// Decoder turns a raw payload into the value handed to the handler.
type Decoder func(raw []byte) (any, error)

// Delivery is a decoded inbound message.
type Delivery struct {
	Topic   string
	Pattern string
	Raw     []byte
	Payload any
}

type Handler func(ctx context.Context, d Delivery) error

// Entry is a registered subscription. Entries are never modified after
// registration.
type Entry struct {
	Pattern  string
	QoS      byte
	Decoder  Decoder
	Handler  Handler
	segments []string
}

type Router struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[string, *Entry]

	dispatched metric.Int64Counter
}

func New(logger *slog.Logger) *Router {
	r := &Router{
		log:     logger.With(slog.String("component", "router")),
		entries: orderedmap.New[string, *Entry](),
	}
	counter, err := otel.Meter("github.com/loqalabs/hermeskit/router").Int64Counter(
		"hermes.router.dispatch",
		metric.WithDescription("Inbound messages by pattern and result"),
	)
	if err != nil {
		r.log.Warn("failed to register dispatch counter", slogError(err))
	}
	r.dispatched = counter
	return r
}

// Register stores a subscription. Nothing is sent to the broker until the
// next OnConnect.
func (r *Router) Register(pattern string, qos byte, decoder Decoder, handler Handler) error {
	if err := topic.Validate(pattern); err != nil {
		return err
	}
	if qos > 2 {
		return fmt.Errorf("register %s: qos %d out of range", pattern, qos)
	}
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", pattern)
	}
	if decoder == nil {
		decoder = Raw
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries.Get(pattern); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, pattern)
	}
	r.entries.Set(pattern, &Entry{
		Pattern:  pattern,
		QoS:      qos,
		Decoder:  decoder,
		Handler:  handler,
		segments: topic.Split(pattern),
	})
	return nil
}

// Patterns lists registered patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// OnConnect subscribes every registered pattern, in registration order. A
// non-zero connect code is fatal.
func (r *Router) OnConnect(sub bus.Subscriber, code byte) error {
	if code != 0 {
		return &ConnectionRejectedError{Code: code}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		entry := pair.Value
		if err := sub.Subscribe(entry.Pattern, entry.QoS); err != nil {
			return fmt.Errorf("subscribe %s: %w", entry.Pattern, err)
		}
	}
	r.log.Info("subscriptions issued", slog.Int("count", r.entries.Len()))
	return nil
}

// Lookup returns the entry that would receive a message on name.
func (r *Router) Lookup(name string) (*Entry, bool) {
	segments := topic.Split(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Entry
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		entry := pair.Value
		if !topic.MatchSegments(entry.segments, segments) {
			continue
		}
		// strictly more specific only, so earlier registrations win ties
		if best == nil || topic.MoreSpecific(entry.segments, best.segments) {
			best = entry
		}
	}
	return best, best != nil
}

// Dispatch decodes raw with the matching entry's decoder and invokes its
// handler. It reports whether any pattern matched. A message nobody
// subscribed to is dropped without error.
func (r *Router) Dispatch(ctx context.Context, name string, raw []byte) (bool, error) {
	entry, ok := r.Lookup(name)
	if !ok {
		r.log.Debug("no subscription for topic", slog.String("topic", name))
		r.count(ctx, "", "unmatched")
		return false, nil
	}

	payload, err := entry.Decoder(raw)
	if err != nil {
		r.count(ctx, entry.Pattern, "decode_error")
		return true, &PayloadDecodeError{Topic: name, Pattern: entry.Pattern, Err: err}
	}

	err = entry.Handler(ctx, Delivery{
		Topic:   name,
		Pattern: entry.Pattern,
		Raw:     raw,
		Payload: payload,
	})
	if err != nil {
		r.count(ctx, entry.Pattern, "handler_error")
		return true, fmt.Errorf("handle %s: %w", name, err)
	}
	r.count(ctx, entry.Pattern, "ok")
	return true, nil
}

// HandleMessage adapts Dispatch to the transport callback. Errors stop at
// this boundary.
func (r *Router) HandleMessage(ctx context.Context) bus.MessageHandler {
	return func(msg bus.Message) {
		if _, err := r.Dispatch(ctx, msg.Topic, msg.Payload); err != nil {
			var decodeErr *PayloadDecodeError
			if errors.As(err, &decodeErr) {
				r.log.Warn("dropping undecodable message",
					slog.String("topic", decodeErr.Topic),
					slog.String("pattern", decodeErr.Pattern),
					slogError(decodeErr.Err))
				return
			}
			r.log.Error("handler failed", slog.String("topic", msg.Topic), slogError(err))
		}
	}
}

func (r *Router) count(ctx context.Context, pattern, result string) {
	if r.dispatched == nil {
		return
	}
	r.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pattern", pattern),
		attribute.String("result", result),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
