// Package logging configures structured logging for the backup engine
// using log/slog.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Setup configures the default slog logger with the specified level and
// format. Supported levels: "debug", "info", "warn", "error" (default:
// "info"). Supported formats: "text", "json" (default: "text").
func Setup(level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForOperation returns a logger tagged with the backup/restore/delete/purge
// operation name and backup name, so every log line from a manager
// operation can be correlated without a bespoke logging facade.
func ForOperation(op, backupName string) *slog.Logger {
	return slog.Default().With("op", op, "backup", backupName)
}
