package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global slog.Default() logger with the given format and level.
// format: "text" (human-readable) or "json" (structured, for Datadog/Grafana Alloy).
// level: "debug", "info", "warn", "error".
// Returns the configured *slog.Logger.
func Setup(format, level string) *slog.Logger {
	return SetupWithOutput(format, level, os.Stderr)
}

// SetupToFile configures the global logger to write to logPath, rotating
// it once it exceeds maxSizeMB. An empty logPath writes to stderr instead.
func SetupToFile(format, level, logPath string, maxSizeMB int) *slog.Logger {
	if logPath == "" {
		return SetupWithOutput(format, level, os.Stderr)
	}
	w := &lumberjack.Logger{
		Filename: logPath,
		MaxSize:  maxSizeMB,
		MaxAge:   28,
		Compress: true,
	}
	return SetupWithOutput(format, level, w)
}

// SetupWithOutput configures the global logger against an arbitrary writer;
// Setup and SetupToFile are thin wrappers over this for the common cases.
func SetupWithOutput(format, level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel converts a level string to slog.Level.
// Defaults to slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a *slog.Logger that discards all output.
// Useful for tests that don't need log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
