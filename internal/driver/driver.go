// Package driver sequences one venvcache invocation: resolve
// requirements, compute a fingerprint, run (building if needed), record
// usage, and evict anything the journal says has fallen out of the
// capacity window. It is independent of flag parsing (mirrors the
// teacher's separation of internal/cli.Run driving parsed Options from
// the parsing itself, internal/cli/run.go), so the sequence in spec.md
// §4.5 can be unit-tested without exec'ing a binary.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/crockeo/venvcache/internal/builder"
	"github.com/crockeo/venvcache/internal/fingerprint"
	"github.com/crockeo/venvcache/internal/fs"
	"github.com/crockeo/venvcache/internal/journal"
	"github.com/crockeo/venvcache/internal/manager"
)

// Exit codes per spec.md §6.
const (
	ExitSignaled = 127
	ExitError    = 1
)

// sourceKind tags which of the three requirements inputs a
// RequirementsSource carries.
type sourceKind int

const (
	sourceStdin sourceKind = iota
	sourceInline
	sourceFile
)

// RequirementsSource is a tagged variant over {Stdin, Inline(text),
// File(path)} with a single Read capability, per spec.md §9
// "Polymorphism".
type RequirementsSource struct {
	kind   sourceKind
	inline string
	path   string
}

// StdinSource reads requirements text from the process's standard
// input.
func StdinSource() RequirementsSource {
	return RequirementsSource{kind: sourceStdin}
}

// InlineSource carries requirements text supplied directly on the
// command line.
func InlineSource(text string) RequirementsSource {
	return RequirementsSource{kind: sourceInline, inline: text}
}

// FileSource reads requirements text from the file at path.
func FileSource(path string) RequirementsSource {
	return RequirementsSource{kind: sourceFile, path: path}
}

// Read resolves the source to requirements text, reading from stdin
// when the source is RequirementsSource's stdin variant.
func (s RequirementsSource) Read(stdin io.Reader) (string, error) {
	switch s.kind {
	case sourceInline:
		return s.inline, nil
	case sourceFile:
		data, err := os.ReadFile(s.path)
		if err != nil {
			return "", fmt.Errorf("reading requirements file %s: %w", s.path, err)
		}

		return string(data), nil
	case sourceStdin:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading requirements from stdin: %w", err)
		}

		return string(data), nil
	default:
		return "", fmt.Errorf("unrecognized requirements source kind %d", s.kind)
	}
}

// Options fully resolves one invocation, already validated by the
// caller (internal/cli): exactly one requirements source, a non-empty
// python/root/journal path, a positive capacity.
type Options struct {
	Python          string
	Root            string
	JournalPath     string
	MaximumVenvs    int
	Requirements    RequirementsSource
	InterpreterArgs []string
	Stdin           io.Reader
	Logger          zerolog.Logger

	// Builder and FS must be set; Run supplies no defaults. internal/cli
	// passes the real subprocess builder and real filesystem; tests
	// inject builder.NewFake() and an fs.Real working under a
	// t.TempDir() so they never spawn Python.
	Builder builder.Builder
	FS      fs.FS
}

// Run performs the sequence documented in spec.md §4.5 and returns the
// process exit code the caller should use.
func Run(ctx context.Context, opts Options) int {
	log := opts.Logger

	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		log.Error().Err(err).Str("root", opts.Root).Msg("failed to create root directory")
		return ExitError
	}

	requirementsText, err := opts.Requirements.Read(opts.Stdin)
	if err != nil {
		log.Error().Err(err).Msg("failed to read requirements")
		return ExitError
	}

	fp, err := fingerprint.Compute(ctx, opts.Python, requirementsText)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute fingerprint")
		return ExitError
	}

	log = log.With().Str("fingerprint", fp).Logger()
	log.Debug().Msg("computed fingerprint")

	status, err := runEnvironment(ctx, opts, fp, requirementsText, log)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		return ExitError
	}

	// Usage is recorded strictly after a successful run, and eviction
	// happens strictly after recording, so a just-used fingerprint is
	// never itself a same-invocation eviction candidate (spec.md §4.5
	// ordering rationale).
	if err := recordAndEvict(ctx, opts, fp, log); err != nil {
		log.Error().Err(err).Msg("journal bookkeeping failed")
		return ExitError
	}

	if status.Signaled {
		return ExitSignaled
	}

	return status.Code
}

func runEnvironment(ctx context.Context, opts Options, fp, requirementsText string, log zerolog.Logger) (manager.ExitStatus, error) {
	mgr, err := manager.New(filepath.Join(opts.Root, fp), opts.Builder, opts.FS, log)
	if err != nil {
		return manager.ExitStatus{}, err
	}
	defer mgr.Close()

	return mgr.Run(ctx, opts.Python, requirementsText, opts.InterpreterArgs)
}

// recordAndEvict opens the journal, records fp's usage, and deletes
// every fingerprint the journal reports as having fallen out of the
// capacity window. This is the one place spec.md §9's known race
// lives: there is no lock held across the record-then-evict gap, so a
// concurrent invocation may race the eviction of a fingerprint that
// this process (or another) is about to rebuild. That race is
// documented and intentionally not "fixed" here - see spec.md §9 and
// DESIGN.md.
func recordAndEvict(ctx context.Context, opts Options, fp string, log zerolog.Logger) error {
	j, err := journal.Open(ctx, opts.JournalPath, opts.MaximumVenvs, log)
	if err != nil {
		return err
	}
	defer j.Close()

	evictable, err := j.RecordUsage(ctx, fp)
	if err != nil {
		return err
	}

	var evictErrs []error

	for _, victim := range evictable {
		mgr, err := manager.New(filepath.Join(opts.Root, victim), opts.Builder, opts.FS, log)
		if err != nil {
			evictErrs = append(evictErrs, err)
			continue
		}

		if err := mgr.Delete(); err != nil {
			evictErrs = append(evictErrs, err)
			mgr.Close()
			continue
		}

		mgr.Close()

		if err := j.MarkDeleted(ctx, victim); err != nil {
			evictErrs = append(evictErrs, err)
			continue
		}

		log.Info().Str("evicted", victim).Msg("evicted environment")
	}

	return errors.Join(evictErrs...)
}
