package logging

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger emitting structured JSON for the given subsystem.
func New(subsystem string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelFromEnv()})
	return slog.New(handler).With("subsystem", subsystem)
}

func levelFromEnv() slog.Level {
	switch os.Getenv("SELFSTART_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
