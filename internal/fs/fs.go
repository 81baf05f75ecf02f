// Package fs provides the filesystem seam used by the rest of
// venvcache: an interface over the handful of os-package operations the
// cache needs, with a production implementation backed by the real
// filesystem. Adapted from the teacher lineage's pkg/fs package, trimmed
// down to this cache's actual surface - this package carries none of
// that package's Chaos/Crash fault-injection harnesses, because nothing
// in this spec needs them (see DESIGN.md).
package fs

import "os"

// FS defines the filesystem operations the cache coordination layer
// needs, beyond what [os] alone is used for directly in
// performance-sensitive paths (like exec'ing the interpreter).
type FS interface {
	// MkdirAll creates a directory and all parents. No error if it
	// already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether a file or directory exists.
	Exists(path string) (bool, error)

	// RemoveAll deletes path and any children. No error if path doesn't
	// exist.
	RemoveAll(path string) error

	// WriteFileAtomic writes data to path atomically (temp file + sync +
	// rename), so a crash mid-write never leaves a torn file visible at
	// path.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
}

// Real implements [FS] against the real filesystem.
type Real struct{}

// NewReal returns a [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

var _ FS = (*Real)(nil)
