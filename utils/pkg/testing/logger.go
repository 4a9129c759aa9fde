package laketesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a text logger whose level follows the DEBUG env var:
// "2" for debug, "1" for info, errors only otherwise.
func NewLogger() *slog.Logger {
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
