// Package lock provides a scoped, POSIX-advisory file lock supporting
// shared/exclusive modes with atomic upgrade and downgrade.
//
// Unlike flock(2), POSIX record locks (fcntl F_SETLKW) let a process
// replace the lock it already holds on a descriptor with a single
// syscall: the kernel never reports the file as unlocked in between.
// That is the property the environment manager depends on (see
// [package manager]) and the reason this package uses fcntl instead of
// the flock-based locker the rest of this codebase's lineage favors.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrIoError wraps any OS error encountered while acquiring, upgrading,
// downgrading, or releasing a lock.
var ErrIoError = errors.New("lock io error")

// Handle is an open coordination file from which scoped lock tokens can
// be obtained. Its lifetime is tied to the underlying file descriptor,
// not to any particular goroutine; a single process must serialize its
// own use of a Handle.
type Handle struct {
	path string
	file *os.File
	log  zerolog.Logger
}

// Open opens (creating if necessary, along with parent directories) the
// coordination file at path. The file's contents are never read or
// written; only advisory locks on it matter. log receives a debug line
// for every acquire, upgrade, downgrade, and release against this
// handle; pass zerolog.Nop() to silence it entirely.
func Open(path string, log zerolog.Logger) (*Handle, error) {
	file, err := openCreate(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %w", ErrIoError, path, err)
	}

	return &Handle{path: path, file: file, log: log}, nil
}

func openCreate(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return file, err
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return nil, mkErr
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}

// Close closes the underlying file descriptor. Any lock still held by
// this descriptor is released by the kernel as a side effect, but
// callers should release tokens explicitly via Close before calling
// this.
func (h *Handle) Close() error {
	return h.file.Close()
}

// AcquireShared blocks until a shared (read) lock covering the entire
// file is held, returning a ReadToken bound to this Handle.
func (h *Handle) AcquireShared() (*ReadToken, error) {
	h.log.Debug().Str("path", h.path).Msg("acquiring shared lock")

	if err := h.setlkw(unix.F_RDLCK); err != nil {
		return nil, err
	}

	h.log.Debug().Str("path", h.path).Msg("acquired shared lock")

	return &ReadToken{h: h}, nil
}

// AcquireExclusive blocks until an exclusive (write) lock is held,
// returning a WriteToken bound to this Handle.
func (h *Handle) AcquireExclusive() (*WriteToken, error) {
	h.log.Debug().Str("path", h.path).Msg("acquiring exclusive lock")

	if err := h.setlkw(unix.F_WRLCK); err != nil {
		return nil, err
	}

	h.log.Debug().Str("path", h.path).Msg("acquired exclusive lock")

	return &WriteToken{h: h}, nil
}

func (h *Handle) setlkw(kind int16) error {
	flock := unix.Flock_t{
		Type:   kind,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0, // 0 means "to end of file" per fcntl(2)
	}

	fd := int(h.file.Fd())

	err := retryEINTR(func() error {
		return unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &flock)
	})
	if err != nil {
		return fmt.Errorf("%w: fcntl F_SETLKW: %w", ErrIoError, err)
	}

	return nil
}

func (h *Handle) unlock() error {
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}

	fd := int(h.file.Fd())

	err := retryEINTR(func() error {
		return unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &flock)
	})
	if err != nil {
		return fmt.Errorf("%w: fcntl unlock: %w", ErrIoError, err)
	}

	return nil
}

// ReadToken represents a held shared lock. The zero value is not
// usable; obtain one via [Handle.AcquireShared] or
// [WriteToken.Downgrade].
type ReadToken struct {
	mu     sync.Mutex
	h      *Handle
	closed bool
}

// Upgrade consumes the token and returns a WriteToken, blocking until
// exclusivity is available. The kernel replaces the shared lock held on
// this descriptor with an exclusive one atomically: the token is never
// observed to leave the file unlocked, by a concurrent holder or
// otherwise.
//
// Upgrade is fatal-on-error to the caller's in-flight operation: a
// failed upgrade means the lock's state is no longer known to be
// shared, so the returned error should propagate rather than be
// swallowed.
func (t *ReadToken) Upgrade() (*WriteToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		panic("lock: Upgrade called on a released ReadToken")
	}

	t.h.log.Debug().Str("path", t.h.path).Msg("upgrading shared lock to exclusive")

	if err := t.h.setlkw(unix.F_WRLCK); err != nil {
		return nil, err
	}

	t.closed = true

	t.h.log.Debug().Str("path", t.h.path).Msg("upgraded to exclusive lock")

	return &WriteToken{h: t.h}, nil
}

// Close releases the shared lock. Idempotent.
func (t *ReadToken) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	if err := t.h.unlock(); err != nil {
		// An unlock failure here would leave a future acquirer believing
		// the file is still contended when it is not, or - far worse -
		// would silently breach I2/I3 of the coordination protocol. There
		// is nothing a caller can do to recover from this; it is treated
		// as fatal to the calling process rather than swallowed.
		panic(fmt.Sprintf("lock: releasing shared lock on %s: %v", t.h.path, err))
	}

	t.h.log.Debug().Str("path", t.h.path).Msg("released shared lock")

	return nil
}

// WriteToken represents a held exclusive lock. The zero value is not
// usable; obtain one via [Handle.AcquireExclusive] or
// [ReadToken.Upgrade].
type WriteToken struct {
	mu     sync.Mutex
	h      *Handle
	closed bool
}

// Downgrade consumes the token and returns a ReadToken, blocking until
// the downgrade completes. Symmetric to [ReadToken.Upgrade]: a single
// fcntl call swaps F_WRLCK for F_RDLCK on the same descriptor without an
// intervening unlocked state.
func (t *WriteToken) Downgrade() (*ReadToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		panic("lock: Downgrade called on a released WriteToken")
	}

	t.h.log.Debug().Str("path", t.h.path).Msg("downgrading exclusive lock to shared")

	if err := t.h.setlkw(unix.F_RDLCK); err != nil {
		return nil, err
	}

	t.closed = true

	t.h.log.Debug().Str("path", t.h.path).Msg("downgraded to shared lock")

	return &ReadToken{h: t.h}, nil
}

// Close releases the exclusive lock. Idempotent.
func (t *WriteToken) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	if err := t.h.unlock(); err != nil {
		panic(fmt.Sprintf("lock: releasing exclusive lock on %s: %v", t.h.path, err))
	}

	t.h.log.Debug().Str("path", t.h.path).Msg("released exclusive lock")

	return nil
}

// retryEINTR retries fn while it fails with EINTR, the same discipline
// the teacher lineage applies to flock: a blocking syscall interrupted
// by a signal (SIGCHLD, SIGWINCH, ...) did not fail, it just needs to
// run again.
func retryEINTR(fn func() error) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = fn()
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
