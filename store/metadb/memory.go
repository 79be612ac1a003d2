package metadb

import (
	"context"
	"sync"
)

// MemoryCache is an in-process Cache. It is used when no database path is
// configured or the database cannot be opened. Expired entries are dropped
// when looked up.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	cacheInfo map[string]CacheInfo
	opts      *options
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(opts ...Option) *MemoryCache {
	return &MemoryCache{
		entries:   make(map[string]Entry),
		cacheInfo: make(map[string]CacheInfo),
		opts:      newOptions(opts),
	}
}

// Lookup implements Cache.
func (m *MemoryCache) Lookup(_ context.Context, cacheURI, hashPart string) (*Entry, error) {
	key := string(makeEntryKey(kindNarInfo, cacheURI, hashPart))

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}

	if expired(e.Inserted, m.opts.ttlFor(e.Present), m.opts.now()) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.Inserted.Equal(e.Inserted) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return &e, nil
}

// Store implements Cache.
func (m *MemoryCache) Store(_ context.Context, cacheURI, hashPart string, e Entry) error {
	if e.Inserted.IsZero() {
		e.Inserted = m.opts.now()
	}
	key := string(makeEntryKey(kindNarInfo, cacheURI, hashPart))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.ttlFor(e.Present) <= 0 {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = e
	return nil
}

// LookupCacheInfo implements Cache.
func (m *MemoryCache) LookupCacheInfo(_ context.Context, cacheURI string) (*CacheInfo, error) {
	m.mu.RLock()
	info, ok := m.cacheInfo[cacheURI]
	m.mu.RUnlock()
	if !ok || expired(info.Inserted, m.opts.cacheInfoTTL, m.opts.now()) {
		return nil, ErrMiss
	}
	return &info, nil
}

// StoreCacheInfo implements Cache.
func (m *MemoryCache) StoreCacheInfo(_ context.Context, cacheURI string, info CacheInfo) error {
	if info.Inserted.IsZero() {
		info.Inserted = m.opts.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.cacheInfoTTL <= 0 {
		delete(m.cacheInfo, cacheURI)
		return nil
	}
	m.cacheInfo[cacheURI] = info
	return nil
}

// Len returns the number of narinfo entries held, including expired ones not
// yet looked up.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close implements Cache.
func (m *MemoryCache) Close() error {
	return nil
}

var _ Cache = (*MemoryCache)(nil)
