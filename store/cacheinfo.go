package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wolfeidau/nix-cache/store/metadb"
	"github.com/wolfeidau/nix-cache/telemetry"
	"github.com/wolfeidau/nix-cache/transport"
)

// CacheInfo describes a cache as advertised by its nix-cache-info resource.
type CacheInfo struct {
	StoreDir      string
	WantMassQuery bool
	Priority      int
}

// Bytes serialises the description in nix-cache-info form.
func (c CacheInfo) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "StoreDir: %s\n", c.StoreDir)
	if c.WantMassQuery {
		buf.WriteString("WantMassQuery: 1\n")
	} else {
		buf.WriteString("WantMassQuery: 0\n")
	}
	fmt.Fprintf(&buf, "Priority: %d\n", c.Priority)
	return buf.Bytes()
}

// ParseCacheInfo reads a nix-cache-info document. Unknown keys are ignored;
// missing keys keep the values in defaults.
func ParseCacheInfo(r io.Reader, defaults CacheInfo) (CacheInfo, error) {
	info := defaults
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return CacheInfo{}, fmt.Errorf("nix-cache-info line %d: missing ':'", line)
		}
		value = strings.TrimSpace(value)
		switch key {
		case "StoreDir":
			info.StoreDir = value
		case "WantMassQuery":
			info.WantMassQuery = value == "1"
		case "Priority":
			p, err := strconv.Atoi(value)
			if err != nil {
				return CacheInfo{}, fmt.Errorf("nix-cache-info line %d: invalid priority %q", line, value)
			}
			info.Priority = p
		}
	}
	if err := sc.Err(); err != nil {
		return CacheInfo{}, fmt.Errorf("reading nix-cache-info: %w", err)
	}
	return info, nil
}

// defaultCacheInfo is what a cache without nix-cache-info is assumed to be.
func (s *Store) defaultCacheInfo() CacheInfo {
	return CacheInfo{
		StoreDir:      s.cfg.StoreDir,
		WantMassQuery: s.cfg.WantMassQuery,
		Priority:      s.cfg.Priority,
	}
}

// CacheInfo returns the cache description. It is served from the local
// cache when possible; concurrent callers share one fetch. A cache without
// nix-cache-info is described by the configured defaults. If the cache
// serves a different store directory the description is returned together
// with ErrIncompatibleStoreDir.
func (s *Store) CacheInfo(ctx context.Context) (*CacheInfo, error) {
	info, err := s.loadCacheInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.StoreDir != s.cfg.StoreDir {
		return info, &QueryError{
			Op:  "cache info",
			URI: s.URI() + "/" + transport.CacheInfoPath,
			Err: fmt.Errorf("%w: cache uses %s, configured %s", ErrIncompatibleStoreDir, info.StoreDir, s.cfg.StoreDir),
		}
	}
	return info, nil
}

func (s *Store) loadCacheInfo(ctx context.Context) (*CacheInfo, error) {
	cached, err := s.cache.LookupCacheInfo(ctx, s.URI())
	if err == nil {
		telemetry.RecordMetadataCache(ctx, telemetry.CacheHit)
		return &CacheInfo{StoreDir: cached.StoreDir, WantMassQuery: cached.WantMassQuery, Priority: cached.Priority}, nil
	}
	if !errors.Is(err, metadb.ErrMiss) {
		s.logger.Warn("cache info lookup failed", "error", err)
	}
	telemetry.RecordMetadataCache(ctx, telemetry.CacheMiss)

	info, shared, err := s.cacheInfoFlight.do(ctx, transport.CacheInfoPath, s.fetchCacheInfo)
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("shared cache info fetch")
	}
	return &info, nil
}

func (s *Store) fetchCacheInfo(ctx context.Context) (CacheInfo, error) {
	fail := func(err error) error {
		return &QueryError{Op: "cache info", URI: s.URI() + "/" + transport.CacheInfoPath, Err: err}
	}

	body, err := s.transport.Fetch(telemetry.WithResource(ctx, telemetry.ResourceCacheInfo), transport.CacheInfoPath)
	var info CacheInfo
	switch {
	case errors.Is(err, transport.ErrNotFound):
		s.logger.Debug("cache has no nix-cache-info, using defaults")
		info = s.defaultCacheInfo()
	case err != nil:
		return CacheInfo{}, fail(err)
	default:
		info, err = ParseCacheInfo(body, s.defaultCacheInfo())
		_ = body.Close()
		if err != nil {
			return CacheInfo{}, fail(err)
		}
	}

	if ctx.Err() == nil {
		rec := metadb.CacheInfo{
			StoreDir:      info.StoreDir,
			WantMassQuery: info.WantMassQuery,
			Priority:      info.Priority,
			Inserted:      s.now(),
		}
		if err := s.cache.StoreCacheInfo(ctx, s.URI(), rec); err != nil {
			s.logger.Warn("cache info write failed", "error", err)
		}
	}
	return info, nil
}

// InitCache publishes nix-cache-info describing this store unless the cache
// already has one.
func (s *Store) InitCache(ctx context.Context) error {
	ctx = telemetry.WithResource(ctx, telemetry.ResourceCacheInfo)
	fail := func(err error) error {
		return &QueryError{Op: "init cache", URI: s.URI() + "/" + transport.CacheInfoPath, Err: err}
	}

	exists, err := s.transport.Exists(ctx, transport.CacheInfoPath)
	if err != nil {
		return fail(err)
	}
	if exists {
		return nil
	}

	doc := s.defaultCacheInfo().Bytes()
	if err := s.transport.Publish(ctx, transport.CacheInfoPath, bytes.NewReader(doc), "text/x-nix-cache-info"); err != nil {
		telemetry.RecordPublish(ctx, telemetry.ResourceCacheInfo, "error", 0)
		return fail(err)
	}
	telemetry.RecordPublish(ctx, telemetry.ResourceCacheInfo, "success", int64(len(doc)))
	s.logger.Info("initialised cache", "store_dir", s.cfg.StoreDir)
	return nil
}
