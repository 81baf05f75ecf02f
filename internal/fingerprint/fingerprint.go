// Package fingerprint computes the deterministic digest naming an
// environment directory and keying the usage journal: a SHA-256 hash of
// the interpreter's self-reported identity and the literal requirements
// text. Ported directly from original_source/src/venv.rs's
// python_version/venv_sha pair.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
)

// ErrInterpreterUnavailable reports that the interpreter's identity
// could not be determined (it could not be executed, or produced no
// output).
var ErrInterpreterUnavailable = errors.New("fingerprint: interpreter unavailable")

// Compute returns the lowercase hex SHA-256 digest of
// "<interpreter identity>\n\n<requirements text>", where the identity
// is the interpreter's own --version output. Identity includes the
// interpreter's self-reported version so different interpreters yield
// different environments even when their paths happen to coincide
// across hosts; the literal requirements text ensures byte-for-byte
// reproducibility.
func Compute(ctx context.Context, interpreterPath, requirementsText string) (string, error) {
	identity, err := interpreterIdentity(ctx, interpreterPath)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(identity + "\n\n" + requirementsText))

	return hex.EncodeToString(sum[:]), nil
}

func interpreterIdentity(ctx context.Context, interpreterPath string) (string, error) {
	cmd := exec.CommandContext(ctx, interpreterPath, "--version")

	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s --version: %w", ErrInterpreterUnavailable, interpreterPath, err)
	}

	if len(out) == 0 {
		return "", fmt.Errorf("%w: %s --version produced no output", ErrInterpreterUnavailable, interpreterPath)
	}

	return string(out), nil
}
