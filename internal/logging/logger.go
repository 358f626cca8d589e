// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Environment names recognized when picking a handler. They match the
// ENVIRONMENT values the config package accepts.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// NewLogger returns the logger for the given environment, writing to
// stdout. Production logs JSON at info level; anything else logs
// human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env)
}

// NewLoggerTo is NewLogger with an explicit writer, for tests that
// assert on output.
func NewLoggerTo(w io.Writer, env string) *slog.Logger {
	if env == EnvProduction {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
