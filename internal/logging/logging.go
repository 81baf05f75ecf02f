// Package logging sets up the structured logger shared across the cache's
// collaborators, in the style of the Cloudzero lineage's app/logging
// package: a zerolog.Logger writing structured events, stamped with a
// per-invocation correlation ID so that a fingerprint's build, journal
// update, and eviction can be tied back together in a multi-process log
// stream even though no single process sees the whole sequence.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w (or os.Stderr if nil) at the
// given level, with a "run_id" field set to a fresh UUID so log lines
// from this invocation can be grepped out of a shared multi-process log
// file. level is parsed case-insensitively; an unrecognized level falls
// back to info rather than erroring, since a bad log-level flag
// shouldn't itself be fatal.
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(parsed).
		With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger()
}

// NewConsole builds a logger identical to New but rendering human-readable
// lines instead of JSON, for interactive terminal use. internal/cli does
// not use it; its logger is always the JSON one from New.
func NewConsole(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}

	return New(console, level)
}
