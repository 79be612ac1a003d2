package metadb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

const testURI = "https://cache.example.org"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBoltCache(t *testing.T, opts ...Option) *BoltCache {
	t.Helper()
	opts = append([]Option{WithNoSync(true)}, opts...)
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testCacheContract exercises behavior shared by every Cache implementation.
func testCacheContract(t *testing.T, newCache func(t *testing.T, opts ...Option) Cache) {
	ctx := context.Background()

	t.Run("miss on empty", func(t *testing.T) {
		c := newCache(t)
		_, err := c.Lookup(ctx, testURI, "abc")
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("positive round trip", func(t *testing.T) {
		clk := newClock()
		c := newCache(t, WithNow(clk.Now))

		require.NoError(t, c.Store(ctx, testURI, "abc", Entry{Present: true, NarInfo: "StorePath: x\n"}))

		e, err := c.Lookup(ctx, testURI, "abc")
		require.NoError(t, err)
		assert.True(t, e.Present)
		assert.Equal(t, "StorePath: x\n", e.NarInfo)
		assert.True(t, clk.Now().Equal(e.Inserted))
	})

	t.Run("keys are scoped by cache URI", func(t *testing.T) {
		c := newCache(t)
		require.NoError(t, c.Store(ctx, testURI, "abc", Entry{Present: false}))

		_, err := c.Lookup(ctx, "https://other.example.org", "abc")
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("replace on write", func(t *testing.T) {
		c := newCache(t)
		require.NoError(t, c.Store(ctx, testURI, "abc", Entry{Present: false}))
		require.NoError(t, c.Store(ctx, testURI, "abc", Entry{Present: true, NarInfo: "v2"}))

		e, err := c.Lookup(ctx, testURI, "abc")
		require.NoError(t, err)
		assert.True(t, e.Present)
		assert.Equal(t, "v2", e.NarInfo)
	})

	t.Run("negative and positive TTLs are separate", func(t *testing.T) {
		clk := newClock()
		c := newCache(t, WithNow(clk.Now), WithTTL(24*time.Hour, time.Hour))

		require.NoError(t, c.Store(ctx, testURI, "pos", Entry{Present: true, NarInfo: "x"}))
		require.NoError(t, c.Store(ctx, testURI, "neg", Entry{Present: false}))

		clk.Advance(time.Hour - time.Second)
		_, err := c.Lookup(ctx, testURI, "neg")
		require.NoError(t, err)

		clk.Advance(time.Second)
		_, err = c.Lookup(ctx, testURI, "neg")
		require.ErrorIs(t, err, ErrMiss)
		_, err = c.Lookup(ctx, testURI, "pos")
		require.NoError(t, err)

		clk.Advance(23 * time.Hour)
		_, err = c.Lookup(ctx, testURI, "pos")
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("zero TTL disables caching", func(t *testing.T) {
		c := newCache(t, WithTTL(time.Hour, 0))
		require.NoError(t, c.Store(ctx, testURI, "neg", Entry{Present: false}))

		_, err := c.Lookup(ctx, testURI, "neg")
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("cache info", func(t *testing.T) {
		clk := newClock()
		c := newCache(t, WithNow(clk.Now), WithCacheInfoTTL(time.Hour))

		_, err := c.LookupCacheInfo(ctx, testURI)
		require.ErrorIs(t, err, ErrMiss)

		require.NoError(t, c.StoreCacheInfo(ctx, testURI, CacheInfo{StoreDir: "/nix/store", WantMassQuery: true, Priority: 40}))

		info, err := c.LookupCacheInfo(ctx, testURI)
		require.NoError(t, err)
		assert.Equal(t, "/nix/store", info.StoreDir)
		assert.True(t, info.WantMassQuery)
		assert.Equal(t, 40, info.Priority)

		clk.Advance(time.Hour)
		_, err = c.LookupCacheInfo(ctx, testURI)
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		c := newCache(t)
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = c.Store(ctx, testURI, "abc", Entry{Present: i%2 == 0, NarInfo: strings.Repeat("x", i)})
			}()
		}
		wg.Wait()

		_, err := c.Lookup(ctx, testURI, "abc")
		require.NoError(t, err)
	})
}

func TestBoltCacheContract(t *testing.T) {
	testCacheContract(t, func(t *testing.T, opts ...Option) Cache {
		return newTestBoltCache(t, opts...)
	})
}

func TestMemoryCacheContract(t *testing.T) {
	testCacheContract(t, func(_ *testing.T, opts ...Option) Cache {
		return NewMemoryCache(opts...)
	})
}

func TestBoltCachePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Store(ctx, testURI, "abc", Entry{Present: true, NarInfo: "x"}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	e, err := db.Lookup(ctx, testURI, "abc")
	require.NoError(t, err)
	assert.Equal(t, "x", e.NarInfo)
	assert.Equal(t, path, db.Path())
}

func TestBoltCacheCompressesLargePayloads(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltCache(t)

	large := strings.Repeat("References: abc\n", 1000)
	require.NoError(t, db.Store(ctx, testURI, "abc", Entry{Present: true, NarInfo: large}))

	raw, err := db.get(makeEntryKey(kindNarInfo, testURI, "abc"))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(large))

	rec, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, encodingZstd, rec.Encoding)

	e, err := db.Lookup(ctx, testURI, "abc")
	require.NoError(t, err)
	assert.Equal(t, large, e.NarInfo)
}

func TestBoltCacheDropsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltCache(t)

	key := makeEntryKey(kindNarInfo, testURI, "abc")
	require.NoError(t, db.put(key, []byte{0xff, 0x00, 0x13}, time.Now().Add(time.Hour)))

	_, err := db.Lookup(ctx, testURI, "abc")
	require.ErrorIs(t, err, ErrMiss)

	_, err = db.get(key)
	require.ErrorIs(t, err, ErrMiss, "corrupt entry should be deleted")

	// A digest mismatch is treated the same way.
	sum := sha256.Sum256([]byte("x"))
	tampered, err := encMode.Marshal(&record{
		Version:  currentRecordVersion,
		Present:  true,
		Inserted: time.Now().UnixNano(),
		Payload:  []byte("y"),
		Digest:   sum[:],
	})
	require.NoError(t, err)
	require.NoError(t, db.put(key, tampered, time.Now().Add(time.Hour)))

	_, err = db.Lookup(ctx, testURI, "abc")
	require.ErrorIs(t, err, ErrMiss)
}

func TestOpenMovesAsideCorruptFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 4096), 0o600))

	db, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Store(ctx, testURI, "abc", Entry{Present: false}))
	_, err = db.Lookup(ctx, testURI, "abc")
	require.NoError(t, err)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "cache.db"))
	require.Error(t, err)
}

func TestExpiryIndexTracksReplacement(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	db := newTestBoltCache(t, WithNow(clk.Now), WithTTL(time.Hour, time.Minute))

	require.NoError(t, db.Store(ctx, testURI, "abc", Entry{Present: false}))
	require.NoError(t, db.Store(ctx, testURI, "abc", Entry{Present: true, NarInfo: "x"}))

	var n int
	require.NoError(t, db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntriesByExpiry).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	}))
	assert.Equal(t, 1, n)

	keys, err := db.expiredKeys(clk.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, keys, "replacement must not leave the negative expiry behind")
}

func TestEntryKeyRoundTrip(t *testing.T) {
	kind, uri, key := parseEntryKey(makeEntryKey(kindNarInfo, testURI, "abc"))
	assert.Equal(t, kindNarInfo, kind)
	assert.Equal(t, testURI, uri)
	assert.Equal(t, "abc", key)

	ts := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, ts.Equal(decodeTimestamp(encodeTimestamp(ts))))
	assert.Negative(t, bytes.Compare(encodeTimestamp(ts), encodeTimestamp(ts.Add(time.Nanosecond))))
}
