// Package checksum computes the SHA-256 digests recorded for export archives. The same hex
// digest is stored on the archive record, written as object metadata and returned to
// clients in X-Checksum-SHA256, so anyone holding the file can check it.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Sum reads r to the end and returns its hex SHA-256 and length
func Sum(r io.Reader) (string, int64, error) {
	hasher := sha256.New()

	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Verify reports whether the content of r has the expected hex SHA-256. Case is ignored.
func Verify(r io.Reader, expected string) (bool, error) {
	actual, _, err := Sum(r)
	if err != nil {
		return false, err
	}

	return strings.EqualFold(actual, strings.TrimSpace(expected)), nil
}
