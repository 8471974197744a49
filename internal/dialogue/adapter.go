package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/loqalabs/hermeskit/internal/router"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/hermeskit/dialogue"

// Adapter wraps intent handlers so that every handled intent message ends in
// exactly one continueSession or endSession message.
type Adapter struct {
	sessions          *Sessions
	log               *slog.Logger
	fallbackText      string
	internalErrorText string
	tracer            trace.Tracer
	outcomes          metric.Int64Counter
}

type AdapterOption func(*Adapter)

// WithFallbackText sets what is spoken when a non-silent handler returns no
// outcome. The default closes the session without text.
func WithFallbackText(text string) AdapterOption {
	return func(a *Adapter) { a.fallbackText = text }
}

// WithInternalErrorText sets what is spoken when a handler panics.
func WithInternalErrorText(text string) AdapterOption {
	return func(a *Adapter) { a.internalErrorText = text }
}

func NewAdapter(sessions *Sessions, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		sessions: sessions,
		log:      logger.With(slog.String("component", "dialogue")),
		tracer:   otel.Tracer(instrumentation),
	}
	for _, opt := range opts {
		opt(a)
	}
	counter, err := otel.Meter(instrumentation).Int64Counter(
		"hermes.dialogue.outcomes",
		metric.WithDescription("Handled intents by outcome"),
	)
	if err != nil {
		a.log.Warn("failed to register outcome counter", slogError(err))
	}
	a.outcomes = counter
	return a
}

// Sessions returns the publisher the adapter answers through.
func (a *Adapter) Sessions() *Sessions {
	return a.sessions
}

type handlerConfig struct {
	qos      byte
	logLevel *slog.Level
	silent   bool
}

type HandlerOption func(*handlerConfig)

// WithQoS sets the QoS of the answer.
func WithQoS(qos byte) HandlerOption {
	return func(c *handlerConfig) { c.qos = qos }
}

// WithLogLevel logs intents and responses at level; the default is debug.
func WithLogLevel(level slog.Level) HandlerOption {
	return func(c *handlerConfig) { c.logLevel = &level }
}

// Silent allows the handler to return nil, nil; the session is then closed
// without text.
func Silent() HandlerOption {
	return func(c *handlerConfig) { c.silent = true }
}

// panicError carries a recovered handler panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// AsSessionHandler adapts h to the router. Payloads already decoded with
// hermes.DecodeIntent are used as they are; raw payloads are decoded here.
func (a *Adapter) AsSessionHandler(h Handler, opts ...HandlerOption) router.Handler {
	cfg := handlerConfig{qos: a.sessions.qos}
	for _, opt := range opts {
		opt(&cfg)
	}
	level := slog.LevelDebug
	if cfg.logLevel != nil {
		level = *cfg.logLevel
	}
	sessions := a.sessions.WithQoS(cfg.qos)

	return func(ctx context.Context, d router.Delivery) error {
		msg, err := intentPayload(d)
		if err != nil {
			return &router.PayloadDecodeError{Topic: d.Topic, Pattern: d.Pattern, Err: err}
		}

		ctx, span := a.tracer.Start(ctx, "dialogue.handle", trace.WithAttributes(
			attribute.String("hermes.intent", msg.Intent.IntentName),
			attribute.String("hermes.session_id", msg.SessionID),
			attribute.String("hermes.site_id", msg.SiteID),
		))
		defer span.End()

		a.log.Log(ctx, level, "intent",
			slog.String("intent", msg.Intent.IntentName),
			slog.Float64("confidence", msg.Intent.ConfidenceScore),
			slog.String("site_id", msg.SiteID),
			slog.String("session_id", msg.SessionID),
			slog.String("input", msg.Input))

		out, herr := a.invoke(ctx, h, msg)
		res := Resolve(out, herr, cfg.silent)

		var perr *panicError
		if errors.As(res.Err, &perr) {
			a.log.Error("intent handler panicked",
				slog.String("intent", msg.Intent.IntentName),
				slog.String("session_id", msg.SessionID),
				slog.Any("panic", perr.value))
			res.Text = a.internalErrorText
		}

		a.count(ctx, msg.Intent.IntentName, res.Kind)
		span.SetAttributes(attribute.String("hermes.outcome", res.Kind.String()))

		switch res.Kind {
		case NeedsClarification:
			a.log.Log(ctx, level, "response",
				slog.String("session_id", msg.SessionID),
				slog.String("kind", res.Kind.String()),
				slog.String("text", res.Text))
			err = sessions.continueWith(ctx, msg.SessionID, res.Clarification)
		case ContractViolation:
			a.log.Error("intent handler broke its contract",
				slog.String("intent", msg.Intent.IntentName),
				slog.String("session_id", msg.SessionID),
				slogError(res.Err))
			span.SetStatus(codes.Error, res.Err.Error())
			err = sessions.EndSession(ctx, msg.SessionID, a.fallbackText)
		default:
			a.log.Log(ctx, level, "response",
				slog.String("session_id", msg.SessionID),
				slog.String("kind", res.Kind.String()),
				slog.String("text", res.Text))
			if res.Kind == Failed {
				span.SetStatus(codes.Error, res.Text)
			}
			err = sessions.EndSession(ctx, msg.SessionID, res.Text)
		}
		if err != nil {
			span.RecordError(err)
			return err
		}
		return nil
	}
}

func (a *Adapter) invoke(ctx context.Context, h Handler, msg *hermes.IntentMessage) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &panicError{value: r}
		}
	}()
	return h(ctx, msg)
}

func (a *Adapter) count(ctx context.Context, intent string, kind Kind) {
	if a.outcomes == nil {
		return
	}
	a.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("outcome", kind.String()),
	))
}

func intentPayload(d router.Delivery) (*hermes.IntentMessage, error) {
	switch p := d.Payload.(type) {
	case *hermes.IntentMessage:
		if p == nil {
			return nil, errors.New("nil intent message")
		}
		return p, nil
	case []byte:
		return hermes.DecodeIntent(p)
	default:
		return hermes.DecodeIntent(d.Raw)
	}
}

// DecodeIntent is a router.Decoder for intent topics.
func DecodeIntent(raw []byte) (any, error) {
	return hermes.DecodeIntent(raw)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
