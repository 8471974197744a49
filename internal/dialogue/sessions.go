package dialogue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loqalabs/hermeskit/internal/audio"
	"github.com/loqalabs/hermeskit/internal/bus"
	"github.com/loqalabs/hermeskit/internal/hermes"
)

// Observer sees every message the session publisher sends.
type Observer func(ctx context.Context, topic string, payload []byte)

// Sessions publishes dialogue manager requests.
type Sessions struct {
	pub       bus.Publisher
	qos       byte
	log       *slog.Logger
	observers []Observer
}

type SessionsOption func(*Sessions)

// WithObserver registers fn to be told about every published message.
func WithObserver(fn Observer) SessionsOption {
	return func(s *Sessions) { s.observers = append(s.observers, fn) }
}

// WithDefaultQoS sets the QoS used for session messages; the default is 1.
func WithDefaultQoS(qos byte) SessionsOption {
	return func(s *Sessions) { s.qos = qos }
}

func NewSessions(pub bus.Publisher, logger *slog.Logger, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		pub: pub,
		qos: 1,
		log: logger.With(slog.String("component", "dialogue.sessions")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithQoS returns a copy of s that publishes at qos.
func (s *Sessions) WithQoS(qos byte) *Sessions {
	clone := *s
	clone.qos = qos
	return &clone
}

// ActionInit builds the init block of an action session. Sessions may be
// enqueued unless canBeEnqueued is false.
func ActionInit(text string, intentFilter []string, canBeEnqueued, sendIntentNotRecognized bool) hermes.SessionInit {
	init := hermes.SessionInit{
		Type:                    hermes.InitAction,
		Text:                    hermes.NormalizeText(text),
		IntentFilter:            intentFilter,
		SendIntentNotRecognized: sendIntentNotRecognized,
	}
	if !canBeEnqueued {
		init.CanBeEnqueued = &canBeEnqueued
	}
	return init
}

// NotificationInit builds the init block of a notification session.
func NotificationInit(text string) hermes.SessionInit {
	return hermes.SessionInit{Type: hermes.InitNotification, Text: hermes.NormalizeText(text)}
}

func (s *Sessions) StartSession(ctx context.Context, siteID string, init hermes.SessionInit, customData any) error {
	custom, err := hermes.EncodeCustomData(customData)
	if err != nil {
		return err
	}
	s.log.Debug("starting session", slog.String("type", init.Type), slog.String("site_id", siteID))
	return s.publish(ctx, hermes.StartSession, hermes.StartSessionMessage{
		SiteID:     siteID,
		Init:       init,
		CustomData: custom,
	})
}

// ContinueSession asks a question within the session. The options are the
// ones accepted by Clarify.
func (s *Sessions) ContinueSession(ctx context.Context, sessionID, text string, opts ...ClarifyOption) error {
	return s.continueWith(ctx, sessionID, Clarify(text, opts...))
}

func (s *Sessions) continueWith(ctx context.Context, sessionID string, c *Clarification) error {
	custom, err := hermes.EncodeCustomData(c.CustomData)
	if err != nil {
		return err
	}
	msg := hermes.ContinueSessionMessage{
		SessionID:               sessionID,
		Text:                    hermes.NormalizeText(c.Prompt),
		IntentFilter:            c.IntentFilter,
		Slot:                    c.Slot,
		SendIntentNotRecognized: c.SendIntentNotRecognized,
		CustomData:              custom,
	}
	s.log.Debug("continuing session", slog.String("session_id", sessionID), slog.String("text", msg.Text))
	return s.publish(ctx, hermes.ContinueSession, msg)
}

// EndSession closes the session, speaking text when it is not blank.
func (s *Sessions) EndSession(ctx context.Context, sessionID, text string) error {
	msg := hermes.EndSessionMessage{SessionID: sessionID, Text: hermes.NormalizeText(text)}
	if msg.Text != "" {
		s.log.Debug("ending session", slog.String("session_id", sessionID), slog.String("text", msg.Text))
	} else {
		s.log.Debug("ending session", slog.String("session_id", sessionID))
	}
	return s.publish(ctx, hermes.EndSession, msg)
}

// PlaySound plays WAV data on a site. A request id is generated when none is
// given; the id used is returned. Only the RIFF/WAVE header is checked, the
// bytes are published unchanged whatever their encoding.
func (s *Sessions) PlaySound(ctx context.Context, siteID string, wav []byte, requestID string) (string, error) {
	if _, err := audio.Header(wav); err != nil {
		return "", fmt.Errorf("play sound on %s: %w", siteID, err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	topic := hermes.PlayBytes(siteID, requestID)
	if err := s.pub.Publish(topic, s.qos, wav); err != nil {
		return requestID, fmt.Errorf("play sound on %s: %w", siteID, err)
	}
	s.notify(ctx, topic, wav)
	return requestID, nil
}

func (s *Sessions) publish(ctx context.Context, topic string, msg any) error {
	payload, err := hermes.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := s.pub.Publish(topic, s.qos, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	s.notify(ctx, topic, payload)
	return nil
}

func (s *Sessions) notify(ctx context.Context, topic string, payload []byte) {
	for _, fn := range s.observers {
		fn(ctx, topic, payload)
	}
}
