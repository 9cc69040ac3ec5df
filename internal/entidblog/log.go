// Package entidblog builds the zerolog.Logger instances EntiDB's
// components attach component fields to. Grounded on the example
// pack's cuemby-warren pkg/log, adapted for an embedded library: a
// library must never touch zerolog's global level or global logger,
// so there is no package-level Logger var here — every component gets
// its own child logger built from the Config the caller supplied to
// entidb.Open.
package entidblog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity, mirroring the levels zerolog exposes.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	// DisabledLevel silences logging entirely.
	DisabledLevel Level = "disabled"
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case DisabledLevel:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Config controls how New builds a logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a base logger scoped to the "entidb" subsystem. Callers
// attach a "component" field via WithComponent for each package that
// logs (wal, segment, txn, ...).
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	}

	return base.Level(cfg.Level.zerologLevel()).With().Timestamp().Str("subsystem", "entidb").Logger()
}

// WithComponent returns a child logger tagging every event with
// component.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
