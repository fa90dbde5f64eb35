package main

import (
	"io"
	"strings"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/config"
	"github.com/rs/zerolog"
)

// newLogger builds the process logger: console output in development,
// JSON lines otherwise.
func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	w := out
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
