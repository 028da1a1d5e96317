// Package storage defines the object storage interface used by the audit
// archive and the registry of backends that implement it.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.ArchiveConfig) (storage.Storage, error) {
//	        return New(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Download when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Storage is an append-only object store. Archive objects are written once
// and never deleted by this service.
type Storage interface {
	// Upload stores an object and returns its key, size and SHA256 checksum.
	Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error)

	// Download returns a reader for the object, or ErrNotFound.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Key is the storage key the object was written to
	Key string

	// Size is the object size in bytes
	Size int64

	// Checksum is the hex SHA256 of the object contents
	Checksum string
}

// ContentType is attached to uploaded archive objects where the backend
// supports it.
const ContentType = "application/x-ndjson"
