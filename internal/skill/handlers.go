package skill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/hermeskit/internal/actions"
	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/loqalabs/hermeskit/internal/router"
)

// OnIntent answers intent name with h. "#" subscribes to every intent.
// Intents and responses are logged at the configured dialogue log level
// unless opts say otherwise.
func (s *Skill) OnIntent(name string, h dialogue.Handler, opts ...dialogue.HandlerOption) error {
	level := config.ParseLevel(s.cfg.Dialogue.LogLevel, slog.LevelDebug)
	opts = append([]dialogue.HandlerOption{dialogue.WithLogLevel(level)}, opts...)
	return s.router.Register(hermes.IntentTopic(name), s.qos(), dialogue.DecodeIntent, s.adapter.AsSessionHandler(h, opts...))
}

// Guarded wraps h with the confidence threshold and pardon prompt from the
// dialogue settings, followed by mws.
func (s *Skill) Guarded(h dialogue.Handler, mws ...dialogue.Middleware) dialogue.Handler {
	if threshold := s.cfg.Dialogue.MinConfidence; threshold > 0 {
		mws = append([]dialogue.Middleware{dialogue.RequireMinimumConfidence(threshold, s.cfg.Dialogue.PardonPrompt)}, mws...)
	}
	return dialogue.Chain(h, mws...)
}

// Topic subscribes h to an arbitrary pattern.
func (s *Skill) Topic(pattern string, decoder router.Decoder, h router.Handler) error {
	return s.router.Register(pattern, s.qos(), decoder, h)
}

func (s *Skill) OnSessionStarted(h func(context.Context, *hermes.SessionStartedMessage) error) error {
	return on(s, hermes.SessionStarted, h)
}

func (s *Skill) OnSessionQueued(h func(context.Context, *hermes.SessionQueuedMessage) error) error {
	return on(s, hermes.SessionQueued, h)
}

func (s *Skill) OnSessionEnded(h func(context.Context, *hermes.SessionEndedMessage) error) error {
	return on(s, hermes.SessionEnded, h)
}

func (s *Skill) OnIntentNotRecognized(h func(context.Context, *hermes.IntentNotRecognizedMessage) error) error {
	return on(s, hermes.IntentNotRecognized, h)
}

// OnStartSession, OnContinueSession and OnEndSession observe what other
// clients ask of the dialogue manager.
func (s *Skill) OnStartSession(h func(context.Context, *hermes.StartSessionMessage) error) error {
	return on(s, hermes.StartSession, h)
}

func (s *Skill) OnContinueSession(h func(context.Context, *hermes.ContinueSessionMessage) error) error {
	return on(s, hermes.ContinueSession, h)
}

func (s *Skill) OnEndSession(h func(context.Context, *hermes.EndSessionMessage) error) error {
	return on(s, hermes.EndSession, h)
}

// OnHotwordDetected listens for one hotword, or all of them with "+".
func (s *Skill) OnHotwordDetected(hotwordID string, h func(context.Context, *hermes.HotwordDetectedMessage) error) error {
	return on(s, hermes.HotwordDetected(hotwordID), h)
}

// OnPlayFinished listens for finished playback on one site, or all with "+".
func (s *Skill) OnPlayFinished(siteID string, h func(context.Context, *hermes.PlayFinishedMessage) error) error {
	return on(s, hermes.PlayFinished(siteID), h)
}

func on[T any](s *Skill, pattern string, h func(context.Context, *T) error) error {
	return s.router.Register(pattern, s.qos(), decodeAs[T], func(ctx context.Context, d router.Delivery) error {
		return h(ctx, d.Payload.(*T))
	})
}

func decodeAs[T any](raw []byte) (any, error) {
	return hermes.Decode[T](raw)
}

func (s *Skill) qos() byte {
	return byte(s.cfg.Dialogue.QoS)
}

// RegisterActions answers every configured action's intent. Exec actions
// run a command per intent, wasm actions share one runtime. With rooms
// configured, the room slot is resolved to a target site first.
func (s *Skill) RegisterActions(ctx context.Context) error {
	for _, cfg := range s.cfg.Actions {
		if cfg.Kind == "wasm" && s.wasm == nil {
			rt, err := actions.NewRuntime(ctx, s.transport, s.log)
			if err != nil {
				return fmt.Errorf("start wasm runtime: %w", err)
			}
			s.wasm = rt
		}
		action, err := actions.Build(ctx, cfg, s.wasm, s.log)
		if err != nil {
			return fmt.Errorf("action %s: %w", cfg.Intent, err)
		}
		s.actions = append(s.actions, action)

		mws := actions.Guards(cfg, s.cfg.Dialogue.MinConfidence, s.cfg.Dialogue.PardonPrompt)
		if len(s.cfg.Rooms.Sites) > 0 {
			mws = append(mws, s.rooms.Resolve())
		}
		h := dialogue.Chain(actions.Handler(action), mws...)
		var opts []dialogue.HandlerOption
		if cfg.Silent {
			opts = append(opts, dialogue.Silent())
		}
		if err := s.OnIntent(cfg.Intent, h, opts...); err != nil {
			return fmt.Errorf("action %s: %w", cfg.Intent, err)
		}
		s.log.Info("action registered", slog.String("intent", cfg.Intent), slog.String("kind", cfg.Kind))
	}
	return nil
}
