package logger

import (
	"log/slog"
	"os"
)

// NewTest returns a logger for tests. Logs are suppressed to error
// level unless the DEBUG env var is set ("1" for info, "2" for debug).
func NewTest() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
