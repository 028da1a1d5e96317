// Package checksum computes and checks the SHA-256 digests that storage
// backends report for archive objects.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrMismatch is returned by Verify when the digests differ.
var ErrMismatch = errors.New("checksum mismatch")

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader returns the lowercase hex SHA-256 of everything read from r.
func SumReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify checks a backend-reported digest against data. An empty reported
// digest means the backend did not compute one and is accepted.
func Verify(data []byte, reported string) error {
	if reported == "" {
		return nil
	}
	if got := Sum(data); got != reported {
		return fmt.Errorf("%w: sent %s, stored %s", ErrMismatch, got, reported)
	}
	return nil
}
