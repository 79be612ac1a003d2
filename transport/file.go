package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/nix-cache/backend"
)

// FileTransport serves a cache laid out in a local directory, the same layout
// an HTTP cache exposes. Errors from the backend are not retried.
type FileTransport struct {
	uri     string
	backend backend.Backend
}

// NewFileTransport creates a transport over b, identified by uri.
func NewFileTransport(uri string, b backend.Backend) *FileTransport {
	return &FileTransport{uri: uri, backend: b}
}

// URI implements Transport.
func (t *FileTransport) URI() string {
	return t.uri
}

// Backend returns the underlying storage.
func (t *FileTransport) Backend() backend.Backend {
	return t.backend
}

// Fetch implements Transport.
func (t *FileTransport) Fetch(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := t.backend.Read(withResource(ctx, rel), rel)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("reading %s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, t.wrap("GET", rel, err)
	}
	return rc, nil
}

// Exists implements Transport.
func (t *FileTransport) Exists(ctx context.Context, rel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := t.backend.Exists(ctx, rel)
	if err != nil {
		return false, t.wrap("HEAD", rel, err)
	}
	return ok, nil
}

// Publish implements Transport. The content type is implied by the resource
// name and not stored.
func (t *FileTransport) Publish(ctx context.Context, rel string, body io.Reader, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.backend.Write(withResource(ctx, rel), rel, body); err != nil {
		return t.wrap("PUT", rel, err)
	}
	return nil
}

func (t *FileTransport) wrap(method, rel string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind := Transient
	if errors.Is(err, backend.ErrInvalidKey) {
		kind = Rejected
	}
	return &Error{Kind: kind, Method: method, URI: t.uri + "/" + rel, Err: err}
}
