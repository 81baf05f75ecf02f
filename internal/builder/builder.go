// Package builder implements the external "environment builder"
// collaborator: the opaque operations spec.md §1 explicitly places out
// of the cache-coordination core (interpreter invocation to bootstrap
// an environment, invocation of the package installer). The core only
// ever calls it while holding a write lock (invariant I2).
package builder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ErrBuildFailed wraps a non-zero exit from either build step. Callers
// can recover which step failed via errors.Is against [ErrCreate] or
// [ErrInstall].
var ErrBuildFailed = errors.New("builder: step failed")

// ErrCreate identifies a failure in the environment-create step.
var ErrCreate = errors.New("builder: create environment")

// ErrInstall identifies a failure in the install-requirements step.
var ErrInstall = errors.New("builder: install requirements")

// RelativePythonPath is the conventional location of the environment's
// own interpreter binary, relative to the environment directory.
const RelativePythonPath = "bin/python"

// relativePipPath is the conventional location of the environment's own
// package installer, relative to the environment directory.
const relativePipPath = "bin/pip"

// Builder produces a self-contained Python environment on disk. All
// methods may only be called while the caller holds a write lock on the
// corresponding environment's lock file (invariant I2 of spec.md §3).
type Builder interface {
	// CreateEnvironment invokes the interpreter's environment-creation
	// subcommand targeting dir, which must not yet contain a populated
	// environment.
	CreateEnvironment(ctx context.Context, interpreterPath, dir string) error

	// InstallRequirements invokes dir's own package installer against
	// requirementsFile.
	InstallRequirements(ctx context.Context, dir, requirementsFile string) error
}

// Real is the production Builder: it shells out to the interpreter
// itself ("<interpreter> -m venv <dir>") and then to the freshly
// created environment's own pip ("<dir>/bin/pip install -r <file>").
type Real struct {
	log zerolog.Logger
}

// NewReal returns a Builder backed by real interpreter subprocesses.
// log receives a debug line before and after each step; pass
// zerolog.Nop() to disable.
func NewReal(log zerolog.Logger) *Real {
	return &Real{log: log}
}

func (r *Real) CreateEnvironment(ctx context.Context, interpreterPath, dir string) error {
	r.log.Debug().Str("interpreter", interpreterPath).Str("dir", dir).Msg("creating environment")

	cmd := exec.CommandContext(ctx, interpreterPath, "-m", "venv", dir)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %w: %s", ErrBuildFailed, ErrCreate, trimmed(out, err))
	}

	r.log.Debug().Str("dir", dir).Msg("environment created")

	return nil
}

func (r *Real) InstallRequirements(ctx context.Context, dir, requirementsFile string) error {
	pip := filepath.Join(dir, relativePipPath)

	r.log.Debug().Str("pip", pip).Str("requirements", requirementsFile).Msg("installing requirements")

	cmd := exec.CommandContext(ctx, pip, "install", "-r", requirementsFile)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %w: %s", ErrBuildFailed, ErrInstall, trimmed(out, err))
	}

	r.log.Debug().Str("dir", dir).Msg("requirements installed")

	return nil
}

func trimmed(out []byte, err error) string {
	if len(out) == 0 {
		return err.Error()
	}

	const maxLen = 2000
	if len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}

	return string(out)
}
