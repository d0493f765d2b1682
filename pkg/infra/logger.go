package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Guizzs26/go-sync-engine/internal/config"
)

// SetupLogger builds the process logger for one binary. Output goes to
// stdout and, when LOG_FILE is set, is appended to that file too
func SetupLogger(cfg *config.Config, service string) *slog.Logger {
	return slog.New(newHandler(cfg, logOutput(cfg.LogFile))).With("service", service)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// stdout still works, the failure shows up in the first line
		slog.Warn("Log file unavailable, logging to stdout only", "path", path, "error", err)
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, f)
}

func newHandler(cfg *config.Config, out io.Writer) slog.Handler {
	level := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}
