// Package storage defines the Storage interface through which export archives are
// written to and read back from object storage.
//
// Backends register themselves with the factory from an init() function in their own
// package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.StorageConfig) (storage.Storage, error) {
//	        return New(&cfg.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend so that init() runs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/audit-ledger/audit-ledger/pkg/checksum"
)

var (
	// ErrNotFound is returned when no object exists at the requested path
	ErrNotFound = errors.New("storage: object not found")

	// ErrSigningUnsupported is returned by SignedURL on backends that cannot hand out
	// direct download URLs. Callers then stream the object through Download.
	ErrSigningUnsupported = errors.New("storage: backend cannot sign download urls")
)

// Storage is implemented by every archive storage backend
type Storage interface {
	// Upload stores the content of r at path
	Upload(ctx context.Context, path string, r io.Reader, opts UploadOptions) (*UploadResult, error)

	// Download opens the object at path. A missing object yields ErrNotFound.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// SignedURL returns a download URL valid for ttl
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists reports whether an object is stored at path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadOptions describe the object being uploaded
type UploadOptions struct {
	ContentType string
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Path string
	Size int64
	// Checksum is the hex SHA-256 of the stored bytes
	Checksum string
}

// ChecksumMetadataKey is the object metadata key holding the SHA-256 of the content
const ChecksumMetadataKey = "sha256"

// Prepare hashes r and returns a reader positioned at the start of the same content.
// Seekable readers (the archive job's temp files) are hashed in place and rewound;
// anything else is buffered in memory. Cloud SDKs need the rewindable body to sign and
// retry the request.
func Prepare(r io.Reader) (io.ReadSeeker, string, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, "", 0, fmt.Errorf("failed to locate body start: %w", err)
		}
		sum, n, err := checksum.Sum(rs)
		if err != nil {
			return nil, "", 0, fmt.Errorf("failed to hash body: %w", err)
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, "", 0, fmt.Errorf("failed to rewind body: %w", err)
		}
		return rs, sum, n, nil
	}

	var buf bytes.Buffer
	sum, n, err := checksum.Sum(io.TeeReader(r, &buf))
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to read body: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), sum, n, nil
}
