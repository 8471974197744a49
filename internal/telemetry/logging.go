package telemetry

import (
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/hermeskit/internal/config"
)

// NewLogger builds the process logger: JSON unless log_format is "text".
func NewLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel, slog.LevelInfo)}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
