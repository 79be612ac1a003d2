// Package metadb caches narinfo lookups and cache descriptions locally so
// repeated queries avoid network round-trips.
package metadb

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrMiss is returned when an entry is absent or has expired.
var ErrMiss = errors.New("metadb: miss")

// Entry is the cached outcome of a narinfo lookup. A negative entry
// (Present == false) records a confirmed absence.
type Entry struct {
	Present bool
	// NarInfo is the serialized record for positive entries.
	NarInfo  string
	Inserted time.Time
}

// CacheInfo is the cached content of a cache's nix-cache-info resource.
type CacheInfo struct {
	StoreDir      string
	WantMassQuery bool
	Priority      int
	Inserted      time.Time
}

// Cache stores lookup results keyed by cache URI and store path hash part.
// Writes replace any previous entry for the same key. Implementations are
// safe for concurrent use.
type Cache interface {
	// Lookup returns ErrMiss when no unexpired entry exists.
	Lookup(ctx context.Context, cacheURI, hashPart string) (*Entry, error)
	Store(ctx context.Context, cacheURI, hashPart string, e Entry) error

	// LookupCacheInfo returns ErrMiss when no unexpired record exists.
	LookupCacheInfo(ctx context.Context, cacheURI string) (*CacheInfo, error)
	StoreCacheInfo(ctx context.Context, cacheURI string, info CacheInfo) error

	Close() error
}

// Default TTLs, matching the store configuration defaults.
const (
	DefaultTTL          = 30 * 24 * time.Hour
	DefaultNegativeTTL  = time.Hour
	DefaultCacheInfoTTL = 7 * 24 * time.Hour
)

type options struct {
	ttl          time.Duration
	negativeTTL  time.Duration
	cacheInfoTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
	noSync       bool
}

func newOptions(opts []Option) *options {
	o := &options{
		ttl:          DefaultTTL,
		negativeTTL:  DefaultNegativeTTL,
		cacheInfoTTL: DefaultCacheInfoTTL,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ttlFor returns the lifetime of an entry. A non-positive TTL disables
// caching for that kind of entry.
func (o *options) ttlFor(present bool) time.Duration {
	if present {
		return o.ttl
	}
	return o.negativeTTL
}

func expired(inserted time.Time, ttl time.Duration, now time.Time) bool {
	return ttl <= 0 || !now.Before(inserted.Add(ttl))
}

// Option configures a Cache.
type Option func(*options)

// WithTTL sets the lifetime of positive and negative entries, counted from
// insertion.
func WithTTL(positive, negative time.Duration) Option {
	return func(o *options) {
		o.ttl = positive
		o.negativeTTL = negative
	}
}

// WithCacheInfoTTL sets the lifetime of cache info records.
func WithCacheInfoTTL(d time.Duration) Option {
	return func(o *options) {
		o.cacheInfoTTL = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(o *options) {
		o.noSync = noSync
	}
}
