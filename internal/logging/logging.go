package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init sets a JSON (default) or text slog handler based on the provided format.
// Supported: "json" (default), "text".
func Init(service, format string) *slog.Logger {
	return InitWriter(os.Stdout, service, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

// LOG_LEVEL accepts debug, info, warn, error; anything else means info.
func levelFromEnv() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
