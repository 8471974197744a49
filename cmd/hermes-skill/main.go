package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/hermeskit/internal/actions"
	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/router"
	"github.com/loqalabs/hermeskit/internal/skill"
	"github.com/loqalabs/hermeskit/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'run', 'validate' or 'version'")
		os.Exit(2)
	}

	var configPath string
	flags := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	flags.StringVar(&configPath, "config", "hermes.yaml", "Path to configuration file")

	switch os.Args[1] {
	case "run":
		flags.Parse(os.Args[2:])
		os.Exit(run(configPath))
	case "validate":
		flags.Parse(os.Args[2:])
		if err := validate(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func run(configPath string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}
	logger = telemetry.NewLogger(cfg.Telemetry, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := skill.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create skill", slog.String("error", err.Error()))
		return 1
	}
	if err := s.RegisterActions(ctx); err != nil {
		logger.Error("failed to register actions", slog.String("error", err.Error()))
		s.Close()
		return 1
	}

	if err := s.Run(ctx); err != nil {
		var rejected *router.ConnectionRejectedError
		if errors.As(err, &rejected) {
			logger.Error("broker refused connection", slog.Int("code", int(rejected.Code)))
		} else {
			logger.Error("skill exited with error", slog.String("error", err.Error()))
		}
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// validate loads the config and builds every action without connecting.
func validate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var rt *actions.Runtime
	for _, a := range cfg.Actions {
		if a.Kind == "wasm" && rt == nil {
			if rt, err = actions.NewRuntime(ctx, nil, logger); err != nil {
				return err
			}
			defer rt.Close(ctx)
		}
		action, err := actions.Build(ctx, a, rt, logger)
		if err != nil {
			return fmt.Errorf("action %s: %w", a.Intent, err)
		}
		action.Close(ctx)
	}
	return nil
}
