// Package cli provides the command-line interface for the release mirror
// system.
package cli

import (
	"log/slog"
	"os"
)

// NewLoggers creates the stdout/stderr logger pair. Both write structured
// JSON to stderr so stdout stays clean for report output.
func NewLoggers(level slog.Level) (*slog.Logger, *slog.Logger) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: a.Value}
			}
			return a
		},
	})

	stdout := slog.New(handler)
	stderr := slog.New(handler)
	return stdout, stderr
}

// ParseLogLevelOrDefault parses a log level string or returns a default level.
func ParseLogLevelOrDefault(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
