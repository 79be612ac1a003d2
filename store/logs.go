package store

import (
	"context"
	"errors"
	"io"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/telemetry"
	"github.com/wolfeidau/nix-cache/transport"
)

// GetBuildLog streams the build log of the derivation drv. A missing log
// wraps ErrNotFound.
func (s *Store) GetBuildLog(ctx context.Context, drv nixcache.StorePath) (io.ReadCloser, error) {
	rel := transport.LogPath(drv)
	body, err := s.transport.Fetch(telemetry.WithResource(ctx, telemetry.ResourceLog), rel)
	if errors.Is(err, transport.ErrNotFound) {
		err = ErrNotFound
	}
	if err != nil {
		return nil, &QueryError{Op: "get build log", Path: drv, URI: s.URI() + "/" + rel, Err: err}
	}
	return body, nil
}

// AddBuildLog publishes the build log of drv, replacing any existing one.
func (s *Store) AddBuildLog(ctx context.Context, drv nixcache.StorePath, log io.Reader) error {
	ctx = telemetry.WithResource(ctx, telemetry.ResourceLog)
	rel := transport.LogPath(drv)
	if err := s.transport.Publish(ctx, rel, log, logContentType); err != nil {
		telemetry.RecordPublish(ctx, telemetry.ResourceLog, "error", 0)
		return &QueryError{Op: "add build log", Path: drv, URI: s.URI() + "/" + rel, Err: err}
	}
	telemetry.RecordPublish(ctx, telemetry.ResourceLog, "success", 0)
	return nil
}
