package metadb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// BoltCache implements Cache using bbolt.
type BoltCache struct {
	db     *bbolt.DB
	path   string
	codec  *recordCodec
	opts   *options
	logger *slog.Logger
}

// Open opens or creates the database at path. A file bbolt cannot read is
// moved aside and replaced with an empty database.
func Open(path string, opts ...Option) (*BoltCache, error) {
	o := newOptions(opts)
	b := &BoltCache{
		path:   path,
		opts:   o,
		logger: o.logger.With("component", "metadb"),
	}

	db, err := b.openDB()
	if err != nil && recoverable(err) {
		aside := fmt.Sprintf("%s.corrupt-%d", path, o.now().Unix())
		b.logger.Warn("metadata cache unreadable, moving aside", "path", path, "moved_to", aside, "error", err)
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, fmt.Errorf("moving aside corrupt database: %w", renameErr)
		}
		db, err = b.openDB()
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := newRecordCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", o.noSync)
	return b, nil
}

func (b *BoltCache) openDB() (*bbolt.DB, error) {
	return bbolt.Open(b.path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.opts.noSync,
	})
}

// recoverable reports whether an open error means the file content is bad,
// as opposed to the file being locked or inaccessible.
func recoverable(err error) bool {
	if errors.Is(err, berrors.ErrTimeout) || errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return true
}

func (b *BoltCache) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketEntriesByExpiry, bucketEntriesExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltCache) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Path returns the database file location.
func (b *BoltCache) Path() string {
	return b.path
}

// Lookup implements Cache.
func (b *BoltCache) Lookup(_ context.Context, cacheURI, hashPart string) (*Entry, error) {
	key := makeEntryKey(kindNarInfo, cacheURI, hashPart)
	data, err := b.get(key)
	if err != nil {
		return nil, err
	}

	e, err := b.codec.decodeEntry(data)
	if err != nil {
		b.dropCorrupt(key, err)
		return nil, ErrMiss
	}
	if expired(e.Inserted, b.opts.ttlFor(e.Present), b.opts.now()) {
		return nil, ErrMiss
	}
	return e, nil
}

// Store implements Cache. An entry whose TTL is not positive is not stored
// and any previous entry for the key is removed.
func (b *BoltCache) Store(_ context.Context, cacheURI, hashPart string, e Entry) error {
	if e.Inserted.IsZero() {
		e.Inserted = b.opts.now()
	}
	key := makeEntryKey(kindNarInfo, cacheURI, hashPart)
	ttl := b.opts.ttlFor(e.Present)
	if ttl <= 0 {
		return b.delete(key)
	}

	data, err := b.codec.encodeEntry(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	return b.put(key, data, e.Inserted.Add(ttl))
}

// LookupCacheInfo implements Cache.
func (b *BoltCache) LookupCacheInfo(_ context.Context, cacheURI string) (*CacheInfo, error) {
	key := makeEntryKey(kindCacheInfo, cacheURI, "")
	data, err := b.get(key)
	if err != nil {
		return nil, err
	}

	info, err := decodeCacheInfo(data)
	if err != nil {
		b.dropCorrupt(key, err)
		return nil, ErrMiss
	}
	if expired(info.Inserted, b.opts.cacheInfoTTL, b.opts.now()) {
		return nil, ErrMiss
	}
	return info, nil
}

// StoreCacheInfo implements Cache.
func (b *BoltCache) StoreCacheInfo(_ context.Context, cacheURI string, info CacheInfo) error {
	if info.Inserted.IsZero() {
		info.Inserted = b.opts.now()
	}
	key := makeEntryKey(kindCacheInfo, cacheURI, "")
	if b.opts.cacheInfoTTL <= 0 {
		return b.delete(key)
	}

	data, err := encodeCacheInfo(info)
	if err != nil {
		return fmt.Errorf("encoding cache info: %w", err)
	}
	return b.put(key, data, info.Inserted.Add(b.opts.cacheInfoTTL))
}

func (b *BoltCache) get(key []byte) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return ErrMiss
		}
		val := bucket.Get(key)
		if val == nil {
			return ErrMiss
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// put replaces the value and its expiry index entries in one transaction.
func (b *BoltCache) put(key, data []byte, expiresAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put(key, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return updateExpiryIndex(tx, key, &expiresAt)
	})
}

func (b *BoltCache) delete(key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deleteInTx(tx, key)
	})
}

// dropCorrupt removes an entry that cannot be decoded so it is refetched.
func (b *BoltCache) dropCorrupt(key []byte, cause error) {
	kind, uri, id := parseEntryKey(key)
	b.logger.Warn("dropping undecodable cache entry", "kind", kind, "cache", uri, "key", id, "error", cause)
	if err := b.delete(key); err != nil {
		b.logger.Error("failed to drop cache entry", "kind", kind, "cache", uri, "key", id, "error", err)
	}
}

func deleteInTx(tx *bbolt.Tx, key []byte) error {
	if err := tx.Bucket(bucketEntries).Delete(key); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return updateExpiryIndex(tx, key, nil)
}

// updateExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func updateExpiryIndex(tx *bbolt.Tx, key []byte, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketEntriesByExpiry)
	reverseIndexBucket := tx.Bucket(bucketEntriesExpiryByKey)

	if tsBytes := reverseIndexBucket.Get(key); tsBytes != nil {
		oldExpiryKey := makeExpiryKey(decodeTimestamp(tsBytes), key)
		if err := expiryBucket.Delete(oldExpiryKey); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(key); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, key), key); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(key, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}
	return nil
}

// expiredKeys returns up to limit keys whose expiry is at or before now.
func (b *BoltCache) expiredKeys(now time.Time, limit int) ([][]byte, error) {
	var keys [][]byte
	cutoff := encodeTimestamp(now)
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntriesByExpiry).Cursor()
		for k, v := cursor.First(); k != nil && len(keys) < limit; k, v = cursor.Next() {
			if len(k) < 8 || string(k[:8]) > string(cutoff) {
				break
			}
			key := make([]byte, len(v))
			copy(key, v)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// deleteKeys removes entries in a single transaction.
func (b *BoltCache) deleteKeys(keys [][]byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			if err := deleteInTx(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ Cache = (*BoltCache)(nil)
