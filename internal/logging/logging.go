// Package logging configures the structured logger shared by every
// foldsync subsystem.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the subset of zerolog levels the config layer exposes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the log sink's encoding.
type Format string

const (
	FormatJSON   Format = "json"   // machine-readable, for aggregators
	FormatPretty Format = "pretty" // human-readable, for local dev
)

// Options configures New.
type Options struct {
	Level   Level
	Format  Format
	Service string // value attached to every record as "service"
}

// New builds a zerolog.Logger per Options. Unknown levels fall back to
// info rather than failing startup over a typo in an env var.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout
	if opts.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(levelOf(opts.Level))

	service := opts.Service
	if service == "" {
		service = "foldsync"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

func levelOf(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Nop returns a logger that discards everything, for tests that want a
// real *zerolog.Logger without stdout noise.
func Nop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
