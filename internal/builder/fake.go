package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Fake is an in-memory Builder used by manager and driver tests so they
// don't need to spawn real Python processes. CreateEnvironment creates
// dir and writes a stub bin/python executable; InstallRequirements just
// records the call. Both steps count their invocations so tests can
// assert a build happened at most once under concurrent contention
// (spec.md P1/scenario 6).
type Fake struct {
	mu sync.Mutex

	CreateCalls  int
	InstallCalls int

	// FailCreate/FailInstall, when non-nil, are returned instead of
	// performing the step, letting tests exercise partial-build
	// recovery (spec.md §4.3 "self-healing").
	FailCreate  error
	FailInstall error

	// CreateDelay, if set, is awaited (or ctx-cancelled) before creating
	// the environment, to widen race windows in concurrency tests.
	CreateDelay <-chan struct{}
}

// NewFake returns a ready-to-use Fake builder.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) CreateEnvironment(ctx context.Context, interpreterPath, dir string) error {
	if f.CreateDelay != nil {
		select {
		case <-f.CreateDelay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.CreateCalls++
	f.mu.Unlock()

	if f.FailCreate != nil {
		return f.FailCreate
	}

	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		return fmt.Errorf("fake builder: mkdir: %w", err)
	}

	stub := fmt.Sprintf("#!/bin/sh\necho fake-python interpreter=%s\nexit \"${1:-0}\"\n", interpreterPath)
	if err := os.WriteFile(filepath.Join(dir, RelativePythonPath), []byte(stub), 0o755); err != nil {
		return fmt.Errorf("fake builder: write stub interpreter: %w", err)
	}

	return nil
}

func (f *Fake) InstallRequirements(ctx context.Context, dir, requirementsFile string) error {
	f.mu.Lock()
	f.InstallCalls++
	f.mu.Unlock()

	if f.FailInstall != nil {
		return f.FailInstall
	}

	return nil
}

// Calls returns the current CreateCalls/InstallCalls counts under lock,
// safe to call from a concurrently-running test.
func (f *Fake) Calls() (create, install int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.CreateCalls, f.InstallCalls
}
