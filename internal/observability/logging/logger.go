// Package logging configures the global zerolog logger and hands out
// child loggers tagged for components, connections and sessions.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // json, console
	Service string
	// Output defaults to stdout.
	Output io.Writer
}

// Init replaces the global logger. An unknown level falls back to info and
// is reported once the logger is in place.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, levelErr := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if levelErr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	ctx := zerolog.New(out).With().Timestamp().Caller()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	log.Logger = ctx.Logger()

	if levelErr != nil {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
	}
}

// WithSession returns a logger carrying the session identity.
func WithSession(sessionID, userID string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Logger()
}

// WithConnection returns a logger for a single client connection.
func WithConnection(component, remoteAddr string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("remoteAddr", remoteAddr).
		Logger()
}

// WithEngine tags the transcription engine provider. The session is only
// tagged when known; engines start before the client declares it.
func WithEngine(sessionID, provider string) zerolog.Logger {
	ctx := log.With().Str("sttProvider", provider)
	if sessionID != "" {
		ctx = ctx.Str("sessionId", sessionID)
	}
	return ctx.Logger()
}

func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}
