package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/loqalabs/hermeskit/internal/router"
	"github.com/loqalabs/hermeskit/internal/skill"
	"github.com/loqalabs/hermeskit/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		dbPath      string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&dbPath, "db", "", "Record the dialogue to this SQLite file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	os.Exit(run(configPath, dbPath))
}

func run(configPath, dbPath string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}
	if cfg.SkillName == config.Default().SkillName {
		cfg.SkillName = "hermes-watch"
	}
	if dbPath != "" {
		cfg.Recorder.Enabled = true
		cfg.Recorder.Path = dbPath
		cfg.Recorder.RetentionMode = "persistent"
	}
	logger = telemetry.NewLogger(cfg.Telemetry, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := skill.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create watcher", slog.String("error", err.Error()))
		return 1
	}
	if err := register(s, logger); err != nil {
		logger.Error("failed to subscribe", slog.String("error", err.Error()))
		s.Close()
		return 1
	}

	if err := s.Run(ctx); err != nil {
		logger.Error("watcher exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// register logs intents and the answers other skills give. The watcher
// never answers a session itself.
func register(s *skill.Skill, logger *slog.Logger) error {
	log := logger.With(slog.String("component", "watch"))

	err := s.Topic(hermes.AllIntents, dialogue.DecodeIntent, func(ctx context.Context, d router.Delivery) error {
		msg := d.Payload.(*hermes.IntentMessage)
		attrs := []any{
			slog.String("intent", msg.Intent.IntentName),
			slog.Float64("confidence", msg.Intent.ConfidenceScore),
			slog.String("site_id", msg.SiteID),
			slog.String("session_id", msg.SessionID),
			slog.String("input", msg.Input),
		}
		for name, slot := range msg.Slots {
			attrs = append(attrs, slog.String("slot."+name, slot.Value.String()))
		}
		log.InfoContext(ctx, "intent", attrs...)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.OnContinueSession(func(ctx context.Context, msg *hermes.ContinueSessionMessage) error {
		log.InfoContext(ctx, "response", slog.String("session_id", msg.SessionID), slog.String("text", msg.Text), slog.String("kind", "question"))
		return nil
	}); err != nil {
		return err
	}
	if err := s.OnEndSession(func(ctx context.Context, msg *hermes.EndSessionMessage) error {
		log.InfoContext(ctx, "response", slog.String("session_id", msg.SessionID), slog.String("text", msg.Text), slog.String("kind", "end"))
		return nil
	}); err != nil {
		return err
	}
	return s.OnSessionEnded(func(ctx context.Context, msg *hermes.SessionEndedMessage) error {
		log.DebugContext(ctx, "session ended",
			slog.String("session_id", msg.SessionID),
			slog.String("reason", msg.Termination.Reason))
		return nil
	})
}
