// Package logger builds the process-wide slog logger. Production gets
// JSON on stdout for log shippers; everything else gets text at debug
// level for local work.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a logger writing to w. Level falls back to info (or debug
// outside production) when the string does not name a level.
func New(w io.Writer, env, level string) *slog.Logger {
	lvl := parseLevel(level, env)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "identra")
}

// Setup builds the logger from the environment, honoring LOG_LEVEL,
// and installs it as the slog default.
func Setup(env string) *slog.Logger {
	log := New(os.Stdout, env, os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)
	return log
}

func parseLevel(level, env string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if env == "production" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
