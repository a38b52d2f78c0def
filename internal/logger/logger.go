// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger for the given environment: human-readable console
// output in development, JSON lines everywhere else.
func New(env string) zerolog.Logger {
	return NewWithWriter(env, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(env string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	out := w

	switch env {
	case "development", "dev", "":
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "test":
		level = zerolog.WarnLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "accord").Logger()
}
