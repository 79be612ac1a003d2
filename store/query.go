package store

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/narinfo"
	"github.com/wolfeidau/nix-cache/signature"
	"github.com/wolfeidau/nix-cache/store/metadb"
	"github.com/wolfeidau/nix-cache/telemetry"
	"github.com/wolfeidau/nix-cache/transport"
)

// QueryPathInfo returns the verified metadata of path.
//
// The local cache is consulted first. On a miss the record is fetched,
// parsed and verified; a confirmed absence is cached as a negative entry
// and a trusted record as a positive one. Parse failures, transport
// failures and untrusted records are returned without touching the cache,
// as is anything interrupted by ctx.
func (s *Store) QueryPathInfo(ctx context.Context, path nixcache.StorePath) (*narinfo.NarInfo, error) {
	if info, hit, err := s.cachedPathInfo(ctx, path); hit {
		return info, err
	}
	return s.fetchPathInfo(ctx, path)
}

// cachedPathInfo resolves a lookup from the local cache. hit is false when
// the remote must be consulted.
func (s *Store) cachedPathInfo(ctx context.Context, path nixcache.StorePath) (*narinfo.NarInfo, bool, error) {
	e, err := s.cache.Lookup(ctx, s.URI(), path.HashPart())
	switch {
	case errors.Is(err, metadb.ErrMiss):
		telemetry.RecordMetadataCache(ctx, telemetry.CacheMiss)
		return nil, false, nil
	case err != nil:
		s.logger.Warn("metadata cache lookup failed", "path", path.String(), "error", err)
		telemetry.RecordMetadataCache(ctx, telemetry.CacheMiss)
		return nil, false, nil
	}

	if !e.Present {
		telemetry.RecordMetadataCache(ctx, telemetry.CacheNegative)
		telemetry.RecordPathInfoLookup(ctx, "cache", "absent")
		return nil, true, s.notFound(path)
	}

	info, err := narinfo.ParseBytes([]byte(e.NarInfo))
	if err != nil {
		s.logger.Warn("discarding unparsable cached record", "path", path.String(), "error", err)
		telemetry.RecordMetadataCache(ctx, telemetry.CacheMiss)
		return nil, false, nil
	}

	telemetry.RecordMetadataCache(ctx, telemetry.CacheHit)
	if info.StorePath != path {
		telemetry.RecordPathInfoLookup(ctx, "cache", "absent")
		return nil, true, s.notFound(path)
	}
	telemetry.RecordPathInfoLookup(ctx, "cache", "found")
	return info, true, nil
}

func (s *Store) fetchPathInfo(ctx context.Context, path nixcache.StorePath) (*narinfo.NarInfo, error) {
	hashPart := path.HashPart()
	rel := transport.NarInfoPath(hashPart)
	fail := func(err error) error {
		return &QueryError{Op: "query path info", Path: path, URI: s.URI() + "/" + rel, Err: err}
	}

	body, err := s.transport.Fetch(telemetry.WithResource(ctx, telemetry.ResourceNarInfo), rel)
	if errors.Is(err, transport.ErrNotFound) {
		telemetry.RecordPathInfoLookup(ctx, "remote", "absent")
		s.storeEntry(ctx, hashPart, metadb.Entry{Present: false})
		return nil, s.notFound(path)
	}
	if err != nil {
		telemetry.RecordPathInfoLookup(ctx, "remote", "error")
		return nil, fail(err)
	}

	info, err := narinfo.Parse(body)
	_ = body.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fail(ctxErr)
	}
	if err != nil {
		telemetry.RecordPathInfoLookup(ctx, "remote", "error")
		return nil, fail(err)
	}

	if info.StorePath.HashPart() != hashPart || info.StorePath.Dir() != s.cfg.StoreDir {
		return nil, s.untrusted(ctx, path, fail, "record describes "+info.StorePath.String())
	}

	result := signature.Verify(info, s.keys)
	if !result.Trusted() {
		return nil, s.untrusted(ctx, path, fail, result.Reason)
	}

	s.logger.Debug("verified path info", "path", info.StorePath.String(), "reason", result.Reason, "key", result.KeyName)
	s.storeEntry(ctx, hashPart, metadb.Entry{Present: true, NarInfo: info.String()})
	telemetry.RecordPathInfoLookup(ctx, "remote", "found")

	// The cache is keyed by hash part; a request naming a different path
	// with the same hash is not valid.
	if info.StorePath != path {
		return nil, s.notFound(path)
	}
	return info, nil
}

func (s *Store) untrusted(ctx context.Context, path nixcache.StorePath, fail func(error) error, reason string) error {
	telemetry.RecordPathInfoLookup(ctx, "remote", "untrusted")
	telemetry.RecordVerificationFailure(ctx, "narinfo")
	s.logger.Warn("rejecting untrusted path info", "path", path.String(), "reason", reason)
	return fail(&VerificationError{Stage: "narinfo", Path: path, Reason: reason})
}

func (s *Store) notFound(path nixcache.StorePath) error {
	return &QueryError{Op: "query path info", Path: path, URI: s.URI(), Err: ErrNotFound}
}

// storeEntry writes a cache entry unless ctx is done. Cache write failures
// are logged and do not fail the query.
func (s *Store) storeEntry(ctx context.Context, hashPart string, e metadb.Entry) {
	if ctx.Err() != nil {
		return
	}
	e.Inserted = s.now()
	if err := s.cache.Store(ctx, s.URI(), hashPart, e); err != nil {
		s.logger.Warn("metadata cache write failed", "hash", hashPart, "error", err)
	}
}

// IsValidPath reports whether the cache holds a trusted record for path.
func (s *Store) IsValidPath(ctx context.Context, path nixcache.StorePath) (bool, error) {
	_, err := s.QueryPathInfo(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// QueryValidPaths returns the subset of paths the cache holds, in input
// order. Lookups run concurrently, bounded by MaxParallelRequests. Paths
// whose lookup fails are omitted and their errors returned together.
func (s *Store) QueryValidPaths(ctx context.Context, paths []nixcache.StorePath) ([]nixcache.StorePath, error) {
	valid := make([]bool, len(paths))

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxParallelRequests)
	for i, p := range paths {
		g.Go(func() error {
			ok, err := s.IsValidPath(ctx, p)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
				return nil
			}
			valid[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	out := make([]nixcache.StorePath, 0, len(paths))
	for i, ok := range valid {
		if ok {
			out = append(out, paths[i])
		}
	}
	return out, result.ErrorOrNil()
}
