// Package manager coordinates, for one environment fingerprint, the
// POSIX record lock over that environment's lock file and the external
// builder collaborator, exposing the operations spec.md §4.3 names:
// run (if present, else build then run) and delete.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/crockeo/venvcache/internal/builder"
	"github.com/crockeo/venvcache/internal/fs"
	"github.com/crockeo/venvcache/internal/lock"
)

// ErrFilesystem wraps unexpected failures from directory creation or
// removal.
var ErrFilesystem = errors.New("manager: filesystem error")

// requirementsFileExt is the sibling extension used for the captured
// requirements text (diagnostic only, never consulted for correctness).
const requirementsFileExt = ".requirements"

// lockFileExt is the sibling extension for the coordination file whose
// advisory locks (not contents) matter.
const lockFileExt = ".lock"

// ExitStatus describes how the interpreter child process ended. Kept
// distinct from a bare int so callers (the driver) can apply their own
// exit-code conventions without the manager needing to know about them,
// consistent with spec.md §1 scoping "process exit-code translation"
// out of the core.
type ExitStatus struct {
	// Code is the process's exit code. Meaningless if Signaled is true.
	Code int

	// Signaled reports whether the child was terminated by a signal
	// rather than exiting normally.
	Signaled bool
}

// Manager coordinates one environment directory's lock file, backing
// directory, and builder collaborator.
type Manager struct {
	envDir   string
	lockFile string
	handle   *lock.Handle
	builder  builder.Builder
	fsys     fs.FS
	log      zerolog.Logger
}

// New constructs a Manager for the environment directory at envDir. It
// ensures the sibling .lock file exists (creating it empty if absent)
// and opens a lock handle over it, per spec.md §4.3's construction
// contract. log receives a debug line at every build/skip-build and
// delete decision, and is handed to the lock.Handle it opens so lock
// transitions log through the same sink; pass zerolog.Nop() to disable.
func New(envDir string, b builder.Builder, fsys fs.FS, log zerolog.Logger) (*Manager, error) {
	lockFile := envDir + lockFileExt

	handle, err := lock.Open(lockFile, log)
	if err != nil {
		return nil, err
	}

	return &Manager{
		envDir:   envDir,
		lockFile: lockFile,
		handle:   handle,
		builder:  b,
		fsys:     fsys,
		log:      log,
	}, nil
}

// Close releases the manager's lock handle. It does not affect the
// environment directory or lock file on disk.
func (m *Manager) Close() error {
	return m.handle.Close()
}

func (m *Manager) pythonPath() string {
	return filepath.Join(m.envDir, builder.RelativePythonPath)
}

func (m *Manager) requirementsPath() string {
	return m.envDir + requirementsFileExt
}

// Run executes "if present, run; else build then run": it acquires a
// read token, checks whether the environment's interpreter binary
// exists, builds under an upgraded write token if not (self-healing any
// partially-built state left by a previous failed build), then launches
// the interpreter with args while still holding at least a read lock
// (invariant I3), returning its exit status.
func (m *Manager) Run(ctx context.Context, interpreterPath, requirementsText string, args []string) (ExitStatus, error) {
	readToken, err := m.handle.AcquireShared()
	if err != nil {
		return ExitStatus{}, err
	}

	present, err := m.fsys.Exists(m.pythonPath())
	if err != nil {
		readToken.Close()
		return ExitStatus{}, fmt.Errorf("%w: checking for %s: %w", ErrFilesystem, m.pythonPath(), err)
	}

	if !present {
		m.log.Debug().Str("env", m.envDir).Msg("interpreter missing, building under upgraded lock")

		readToken, err = m.buildUnderUpgrade(ctx, readToken, interpreterPath, requirementsText)
		if err != nil {
			return ExitStatus{}, err
		}
	} else {
		m.log.Debug().Str("env", m.envDir).Msg("interpreter present, reusing environment")
	}

	defer readToken.Close()

	return runInterpreter(ctx, m.pythonPath(), args)
}

// buildUnderUpgrade upgrades readToken to a write token, re-checks
// existence (another process may have built the environment while this
// one blocked on the upgrade, in which case the build is skipped),
// otherwise builds the environment, then downgrades back to a read
// token and returns it in place of the token passed in.
func (m *Manager) buildUnderUpgrade(
	ctx context.Context, readToken *lock.ReadToken, interpreterPath, requirementsText string,
) (*lock.ReadToken, error) {
	writeToken, err := readToken.Upgrade()
	if err != nil {
		return nil, err
	}

	present, err := m.fsys.Exists(m.pythonPath())
	if err != nil {
		writeToken.Close()
		return nil, fmt.Errorf("%w: re-checking for %s: %w", ErrFilesystem, m.pythonPath(), err)
	}

	if !present {
		if err := m.build(ctx, interpreterPath, requirementsText); err != nil {
			// Removing the interpreter binary (the rest of the directory
			// stays) makes the next Run see the environment as missing.
			if rmErr := m.fsys.RemoveAll(m.pythonPath()); rmErr != nil {
				err = errors.Join(err, fmt.Errorf("%w: remove %s: %w", ErrFilesystem, m.pythonPath(), rmErr))
			}

			writeToken.Close()
			return nil, err
		}
	} else {
		m.log.Debug().Str("env", m.envDir).Msg("environment built by another process while waiting for upgrade, skipping build")
	}

	return writeToken.Downgrade()
}

// build performs the actual environment-create and install-requirements
// steps. On failure, the partially constructed directory is left in
// place (spec.md §4.3/§7) except for its interpreter binary, which
// buildUnderUpgrade removes: the next Run sees the interpreter binary
// missing and re-enters this same path.
func (m *Manager) build(ctx context.Context, interpreterPath, requirementsText string) error {
	if err := m.fsys.MkdirAll(m.envDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrFilesystem, m.envDir, err)
	}

	m.log.Debug().Str("env", m.envDir).Msg("creating environment")

	if err := m.builder.CreateEnvironment(ctx, interpreterPath, m.envDir); err != nil {
		return err
	}

	if err := m.fsys.WriteFileAtomic(m.requirementsPath(), []byte(requirementsText), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrFilesystem, m.requirementsPath(), err)
	}

	m.log.Debug().Str("env", m.envDir).Msg("installing requirements")

	if err := m.builder.InstallRequirements(ctx, m.envDir, m.requirementsPath()); err != nil {
		return err
	}

	m.log.Debug().Str("env", m.envDir).Msg("build complete")

	return nil
}

// Delete acquires a write token, recursively removes the environment
// directory, and releases the lock. Idempotent: removing an
// already-absent directory is success.
func (m *Manager) Delete() error {
	writeToken, err := m.handle.AcquireExclusive()
	if err != nil {
		return err
	}
	defer writeToken.Close()

	m.log.Debug().Str("env", m.envDir).Msg("deleting environment")

	if err := m.fsys.RemoveAll(m.envDir); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrFilesystem, m.envDir, err)
	}

	return nil
}

func runInterpreter(ctx context.Context, pythonPath string, args []string) (ExitStatus, error) {
	cmd := exec.CommandContext(ctx, pythonPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return ExitStatus{Code: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ProcessState.Exited() {
			return ExitStatus{Code: exitErr.ExitCode()}, nil
		}

		return ExitStatus{Signaled: true}, nil
	}

	return ExitStatus{}, fmt.Errorf("running interpreter %s: %w", pythonPath, err)
}
