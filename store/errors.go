package store

import (
	"errors"
	"fmt"

	nixcache "github.com/wolfeidau/nix-cache"
)

var (
	// ErrNotFound is returned when the cache confirms a store path is absent.
	ErrNotFound = errors.New("store path not found")

	// ErrIncompatibleStoreDir is returned when a cache serves paths for a
	// different store directory than the one configured.
	ErrIncompatibleStoreDir = errors.New("cache store directory does not match")
)

// QueryError carries the context of a failed store operation: the path, the
// resource involved and the underlying cause.
type QueryError struct {
	Op   string
	Path nixcache.StorePath
	URI  string
	Err  error
}

func (e *QueryError) Error() string {
	msg := e.Op
	if !e.Path.IsZero() {
		msg += " " + e.Path.String()
	}
	if e.URI != "" {
		msg += " (" + e.URI + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// VerificationError reports a record or archive that failed verification.
// It is never cached.
type VerificationError struct {
	// Stage is "narinfo" or "nar".
	Stage  string
	Path   nixcache.StorePath
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s for %s failed verification: %s", e.Stage, e.Path, e.Reason)
}

// IsVerificationError reports whether err is or wraps a VerificationError.
func IsVerificationError(err error) bool {
	var verr *VerificationError
	return errors.As(err, &verr)
}
