package fs

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Exists checks if a file exists using [os.Stat]. Returns (true, nil)
// if the file exists, (false, nil) if it does not, or (false, err) for
// other errors.
func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

func (r *Real) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// WriteFileAtomic writes data atomically via temp-file-then-rename,
// exactly as the teacher's Real.WriteFileAtomic wraps natefinch/atomic,
// used here for the diagnostic .requirements sidecar so a crash
// mid-write never leaves a truncated file at that path.
func (r *Real) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write file atomic %s: %w", path, err)
	}

	return os.Chmod(path, perm)
}
