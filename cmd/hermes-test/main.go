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
	"github.com/loqalabs/hermeskit/internal/scenario"
	"github.com/loqalabs/hermeskit/internal/skill"
	"github.com/loqalabs/hermeskit/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logDir      string
		siteID      string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&logDir, "log-dir", "", "Directory to log JSON messages")
	flag.StringVar(&siteID, "site-id", "test", "Site ID")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [JSON_TEST ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	os.Exit(run(configPath, scenario.Options{SiteID: siteID, LogDir: logDir}, flag.Args()))
}

func run(configPath string, opts scenario.Options, paths []string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}
	if cfg.SkillName == config.Default().SkillName {
		cfg.SkillName = "hermes-test"
	}
	logger = telemetry.NewLogger(cfg.Telemetry, os.Stdout)

	tests := make([]scenario.Test, 0, len(paths))
	for _, path := range paths {
		test, err := scenario.LoadTest(path)
		if err != nil {
			logger.Error("failed to load test", slog.String("error", err.Error()))
			return 1
		}
		tests = append(tests, test)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := skill.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create runner", slog.String("error", err.Error()))
		return 1
	}
	runner := scenario.New(s.Transport(), s.Sessions(), tests, opts, logger)
	if err := runner.Register(s.Router()); err != nil {
		logger.Error("failed to subscribe", slog.String("error", err.Error()))
		s.Close()
		return 1
	}
	s.OnConnected(runner.Start)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-runner.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Run(ctx); err != nil {
		logger.Error("runner exited with error", slog.String("error", err.Error()))
		return 1
	}

	failures := runner.Failures()
	logger.Info("tests finished", slog.Int("failures", failures))
	if failures > 125 {
		failures = 125
	}
	return failures
}
