// Package store implements a store backed by a binary cache: it answers
// whether a path exists, returns its metadata and verified content, and
// publishes new paths.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/nix-cache/archive"
	"github.com/wolfeidau/nix-cache/config"
	"github.com/wolfeidau/nix-cache/signature"
	"github.com/wolfeidau/nix-cache/store/metadb"
	"github.com/wolfeidau/nix-cache/transport"
)

// Content types of published resources.
const (
	narContentType = "application/x-nix-nar"
	logContentType = "text/plain; charset=utf-8"
)

// Store is a binary cache store. All methods are safe for concurrent use.
type Store struct {
	cfg         config.CacheConfig
	transport   transport.Transport
	cache       metadb.Cache
	keys        *signature.KeyRing
	secretKey   *signature.SecretKey
	compression archive.Compression
	logger      *slog.Logger
	now         func() time.Time

	cacheInfoFlight coalescer[CacheInfo]

	// owned resources released by Close
	ownsCache  bool
	stopReaper context.CancelFunc
	reaperDone chan struct{}
	closeOnce  sync.Once
}

type options struct {
	transport transport.Transport
	cache     metadb.Cache
	cachePath string
	secretKey *signature.SecretKey
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithTransport replaces the transport derived from the cache URI.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithCache sets the local metadata cache. The caller keeps ownership and
// must close it.
func WithCache(c metadb.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithCachePath keeps the metadata cache in a bbolt database at path. If the
// database cannot be opened the store falls back to an in-memory cache.
func WithCachePath(path string) Option {
	return func(o *options) {
		o.cachePath = path
	}
}

// WithSecretKey sets the key used to sign published records, overriding the
// configured secret key file.
func WithSecretKey(key signature.SecretKey) Option {
	return func(o *options) {
		o.secretKey = &key
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

// New creates a store for the cache described by cfg. The configuration is
// copied; later changes to cfg have no effect.
func New(cfg *config.CacheConfig, opts ...Option) (*Store, error) {
	o := &options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	c := *cfg
	c.TrustedKeys = append([]string(nil), cfg.TrustedKeys...)
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	keys, err := signature.ParseKeyRing(c.TrustedKeys)
	if err != nil {
		return nil, fmt.Errorf("parsing trusted keys: %w", err)
	}

	compression, err := archive.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	if !compression.CanEncode() {
		return nil, fmt.Errorf("compression %q cannot be used for uploads", compression)
	}

	s := &Store{
		cfg:         c,
		keys:        keys,
		secretKey:   o.secretKey,
		compression: compression,
		now:         o.now,
		transport:   o.transport,
		cache:       o.cache,
	}

	if s.secretKey == nil && c.SecretKeyFile != "" {
		key, err := signature.LoadSecretKeyFile(c.SecretKeyFile)
		if err != nil {
			return nil, err
		}
		s.secretKey = &key
	}

	if s.transport == nil {
		t, err := transport.New(&s.cfg, transport.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		s.transport = t
	}

	s.logger = o.logger.With("component", "store", "cache", s.transport.URI())

	if s.cache == nil {
		s.cache = s.openCache(o)
		s.ownsCache = true
	}

	return s, nil
}

// openCache opens the durable cache when configured, degrading to memory.
func (s *Store) openCache(o *options) metadb.Cache {
	cacheOpts := []metadb.Option{
		metadb.WithTTL(s.cfg.NarInfoTTL, s.cfg.NegativeNarInfoTTL),
		metadb.WithCacheInfoTTL(s.cfg.CacheInfoTTL),
		metadb.WithLogger(o.logger),
		metadb.WithNow(s.now),
	}

	if o.cachePath == "" {
		return metadb.NewMemoryCache(cacheOpts...)
	}

	db, err := metadb.Open(o.cachePath, cacheOpts...)
	if err != nil {
		s.logger.Warn("metadata cache unavailable, using memory", "path", o.cachePath, "error", err)
		return metadb.NewMemoryCache(cacheOpts...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopReaper = cancel
	s.reaperDone = make(chan struct{})
	reaper := metadb.NewReaper(db, metadb.WithReaperLogger(s.logger))
	go func() {
		defer close(s.reaperDone)
		reaper.Run(ctx)
	}()
	return db
}

// Config returns a copy of the store configuration.
func (s *Store) Config() config.CacheConfig {
	return s.cfg
}

// URI returns the cache URI.
func (s *Store) URI() string {
	return s.transport.URI()
}

// Close releases the metadata cache if the store opened it.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopReaper != nil {
			s.stopReaper()
			<-s.reaperDone
		}
		if s.ownsCache {
			err = s.cache.Close()
		}
	})
	return err
}
