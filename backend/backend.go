// Package backend provides the storage a binary cache is served from and
// published to when it lives on a local or mounted filesystem.
package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned for keys that are empty, absolute or escape the
// backend root.
var ErrInvalidKey = errors.New("invalid key")

// Backend stores binary cache resources by key, where a key is a
// slash-separated relative path such as "nar/<hash>.nar.xz".
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any previous value.
	// Readers never observe a partial write.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Info describes a stored object.
type Info struct {
	Size    int64
	ModTime time.Time
	// Digest is the BLAKE3-256 digest of the content.
	Digest [32]byte
}

// ETag returns a strong HTTP entity tag derived from the content digest.
func (i Info) ETag() string {
	return `"` + hex.EncodeToString(i.Digest[:16]) + `"`
}

// StatBackend extends Backend with object metadata.
type StatBackend interface {
	Backend

	// Stat returns metadata for the object at key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.ContainsRune(key, '\\') {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(part, ".tmp-") {
			return "", ErrInvalidKey
		}
	}
	return cleaned, nil
}
