package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/crockeo/venvcache/internal/builder"
	"github.com/crockeo/venvcache/internal/fs"
)

// TestMain lets this binary re-exec itself as a single contender in a
// multi-process build race. As in package lock, POSIX record locks are
// scoped to (process, inode): goroutines inside one process sharing the
// same OS-level lock table never actually contend, so the one property
// this package most needs to prove - "at most one effective build under
// concurrent contention" (spec.md P1 / scenario 6) - can only be proven
// across genuinely separate processes.
func TestMain(m *testing.M) {
	if os.Getenv("VENVCACHE_MANAGER_HELPER") == "1" {
		runBuildRaceHelper()
		return
	}

	os.Exit(m.Run())
}

func runBuildRaceHelper() {
	args := os.Args[len(os.Args)-3:]
	envDir, logPath, delayMsStr := args[0], args[1], args[2]

	delayMs, err := strconv.Atoi(delayMsStr)
	if err != nil {
		fmt.Println("ERROR bad delay:", err)
		os.Exit(2)
	}

	b := &loggingBuilder{logPath: logPath, delay: time.Duration(delayMs) * time.Millisecond}

	mgr, err := New(envDir, b, fs.NewReal(), zerolog.Nop())
	if err != nil {
		fmt.Println("ERROR", err)
		os.Exit(2)
	}
	defer mgr.Close()

	status, err := mgr.Run(context.Background(), "/usr/bin/python3", "requests\n", nil)
	if err != nil {
		fmt.Println("ERROR", err)
		os.Exit(2)
	}

	os.Exit(status.Code)
}

// loggingBuilder appends one line to logPath every time CreateEnvironment
// is actually invoked - an observable, cross-process signal standing in
// for spec.md scenario 6's "instrumentation on the builder collaborator".
type loggingBuilder struct {
	logPath string
	delay   time.Duration
}

func (b *loggingBuilder) CreateEnvironment(ctx context.Context, interpreterPath, dir string) error {
	time.Sleep(b.delay)

	f, err := os.OpenFile(b.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString("create\n"); err != nil {
		return err
	}

	fake := builder.NewFake()

	return fake.CreateEnvironment(ctx, interpreterPath, dir)
}

func (b *loggingBuilder) InstallRequirements(ctx context.Context, dir, requirementsFile string) error {
	return nil
}

func spawnBuildRaceContender(t *testing.T, envDir, logPath string, delayMs int) <-chan error {
	t.Helper()

	done := make(chan error, 1)

	cmd := exec.Command(os.Args[0], "-test.run=TestMain")
	cmd.Env = append(os.Environ(), "VENVCACHE_MANAGER_HELPER=1")
	cmd.Args = append(cmd.Args, envDir, logPath, strconv.Itoa(delayMs))
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stderr

	go func() { done <- cmd.Run() }()

	return done
}

func newTestManager(t *testing.T, envDir string, b *builder.Fake) *Manager {
	t.Helper()

	m, err := New(envDir, b, fs.NewReal(), zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestRun_ColdBuildsThenRuns(t *testing.T) {
	t.Parallel()

	envDir := filepath.Join(t.TempDir(), "fingerprint1")
	fake := builder.NewFake()
	m := newTestManager(t, envDir, fake)

	status, err := m.Run(context.Background(), "/usr/bin/python3", "requests\n", nil)
	require.NoError(t, err)
	require.Equal(t, 0, status.Code)
	require.False(t, status.Signaled)

	create, install := fake.Calls()
	require.Equal(t, 1, create)
	require.Equal(t, 1, install)

	require.FileExists(t, filepath.Join(envDir, "bin", "python"))
	require.FileExists(t, envDir+".requirements")
}

func TestRun_WarmReusesWithoutBuilding(t *testing.T) {
	t.Parallel()

	envDir := filepath.Join(t.TempDir(), "fingerprint1")
	fake := builder.NewFake()
	m := newTestManager(t, envDir, fake)

	ctx := context.Background()

	_, err := m.Run(ctx, "/usr/bin/python3", "requests\n", nil)
	require.NoError(t, err)

	_, err = m.Run(ctx, "/usr/bin/python3", "requests\n", nil)
	require.NoError(t, err)

	create, _ := fake.Calls()
	require.Equal(t, 1, create, "second run must not rebuild an already-present environment")
}

func TestRun_SelfHealsAfterPartialBuild(t *testing.T) {
	t.Parallel()

	envDir := filepath.Join(t.TempDir(), "fingerprint1")
	fake := builder.NewFake()
	fake.FailInstall = errors.New("pip install exploded")
	m := newTestManager(t, envDir, fake)

	ctx := context.Background()

	_, err := m.Run(ctx, "/usr/bin/python3", "requests\n", nil)
	require.Error(t, err)

	create1, install1 := fake.Calls()
	require.Equal(t, 1, create1)
	require.Equal(t, 1, install1)

	// The failed build removed bin/python, so the second attempt (install
	// now succeeds) must re-enter the build path and complete it.
	require.NoFileExists(t, filepath.Join(envDir, "bin", "python"))

	fake.FailInstall = nil

	status, err := m.Run(ctx, "/usr/bin/python3", "requests\n", nil)
	require.NoError(t, err)
	require.Equal(t, 0, status.Code)

	create2, install2 := fake.Calls()
	require.Equal(t, 2, create2)
	require.Equal(t, 2, install2)
}

func TestRun_ConcurrentBuildersOnlyOneEffectiveBuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envDir := filepath.Join(dir, "fingerprint1")
	logPath := filepath.Join(dir, "build.log")

	const n = 6

	dones := make([]<-chan error, n)
	for i := range n {
		dones[i] = spawnBuildRaceContender(t, envDir, logPath, 50)
	}

	for i, done := range dones {
		select {
		case err := <-done:
			require.NoErrorf(t, err, "contender %d", i)
		case <-time.After(10 * time.Second):
			t.Fatalf("contender %d never finished", i)
		}
	}

	log, err := os.ReadFile(logPath)
	require.NoError(t, err)

	require.Equal(t, "create\n", string(log), "exactly one effective build must occur under concurrent contention")
	require.FileExists(t, filepath.Join(envDir, "bin", "python"))
}

func TestDelete_RemovesEnvironmentDirectory(t *testing.T) {
	t.Parallel()

	envDir := filepath.Join(t.TempDir(), "fingerprint1")
	fake := builder.NewFake()
	m := newTestManager(t, envDir, fake)

	_, err := m.Run(context.Background(), "/usr/bin/python3", "requests\n", nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete())
	require.NoDirExists(t, envDir)
}

func TestDelete_IsIdempotentOnAbsentDirectory(t *testing.T) {
	t.Parallel()

	envDir := filepath.Join(t.TempDir(), "fingerprint1")
	fake := builder.NewFake()
	m := newTestManager(t, envDir, fake)

	require.NoError(t, m.Delete())
	require.NoError(t, m.Delete())
}
