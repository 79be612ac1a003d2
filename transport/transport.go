// Package transport moves binary cache resources between the store engine
// and a cache, over HTTP(S) or a local directory.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/nix-cache/backend"
	"github.com/wolfeidau/nix-cache/config"
	"github.com/wolfeidau/nix-cache/telemetry"
)

// ErrNotFound is returned when the cache reports a resource as absent.
// It is never retried.
var ErrNotFound = errors.New("resource not found")

// ErrorKind classifies a transport Error.
type ErrorKind int

const (
	// Transient failures (5xx, 429, connection errors, timeouts) persisted
	// after all retries.
	Transient ErrorKind = iota + 1
	// Rejected means the cache refused the request (4xx other than 404/410).
	Rejected
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Error describes a failed request.
type Error struct {
	Kind   ErrorKind
	Method string
	URI    string
	// Status is the HTTP status of the last attempt, or 0 when no response
	// was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.URI, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient transport failure.
func IsTransient(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == Transient
}

// Transport reads and writes resources named relative to a cache root, such
// as "<hash>.narinfo" or "nar/<hash>.nar.xz". Implementations are safe for
// concurrent use.
type Transport interface {
	// Fetch opens a resource. The caller must close the returned reader.
	// Returns ErrNotFound when the resource is absent.
	Fetch(ctx context.Context, rel string) (io.ReadCloser, error)

	// Publish uploads a resource, replacing any previous version.
	Publish(ctx context.Context, rel string, body io.Reader, contentType string) error

	// Exists reports whether a resource is present.
	Exists(ctx context.Context, rel string) (bool, error)

	// URI returns the cache URI, used as the local metadata cache namespace.
	URI() string
}

type options struct {
	logger    *slog.Logger
	transport http.RoundTripper
}

// Option configures a Transport.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRoundTripper replaces the base HTTP transport. TLS settings from the
// configuration are not applied to it.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// New returns the transport for the configured cache URI scheme.
func New(cfg *config.CacheConfig, opts ...Option) (Transport, error) {
	switch cfg.Scheme() {
	case "http", "https":
		return NewHTTPClient(cfg, opts...)
	case "file":
		u, err := url.Parse(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("parsing cache URI: %w", err)
		}
		fsb, err := backend.NewFilesystem(u.Path)
		if err != nil {
			return nil, fmt.Errorf("opening file cache: %w", err)
		}
		return NewFileTransport(cfg.CacheURI(), backend.NewInstrumentedBackend(fsb, "filesystem")), nil
	}
	return nil, fmt.Errorf("unsupported cache URI %q", cfg.URI)
}

// ResourceKind maps a resource name to its telemetry label.
func ResourceKind(rel string) string {
	switch {
	case strings.HasSuffix(rel, ".narinfo"):
		return telemetry.ResourceNarInfo
	case strings.HasPrefix(rel, "nar/"):
		return telemetry.ResourceNar
	case strings.HasPrefix(rel, "log/"):
		return telemetry.ResourceLog
	case rel == "nix-cache-info":
		return telemetry.ResourceCacheInfo
	}
	return "other"
}

func withResource(ctx context.Context, rel string) context.Context {
	if telemetry.ResourceFromContext(ctx) != "" {
		return ctx
	}
	return telemetry.WithResource(ctx, ResourceKind(rel))
}
