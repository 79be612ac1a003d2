package metadb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper(t *testing.T) {
	ctx := context.Background()

	t.Run("reaps only expired entries", func(t *testing.T) {
		clk := newClock()
		db := newTestBoltCache(t, WithNow(clk.Now), WithTTL(24*time.Hour, time.Hour), WithCacheInfoTTL(2*time.Hour))

		require.NoError(t, db.Store(ctx, testURI, "neg", Entry{Present: false}))
		require.NoError(t, db.Store(ctx, testURI, "pos", Entry{Present: true, NarInfo: "x"}))
		require.NoError(t, db.StoreCacheInfo(ctx, testURI, CacheInfo{StoreDir: "/nix/store"}))

		clk.Advance(90 * time.Minute)
		reaper := NewReaper(db, WithReaperBatchSize(10))
		assert.Equal(t, 1, reaper.ReapNow(ctx))

		_, err := db.get(makeEntryKey(kindNarInfo, testURI, "neg"))
		require.ErrorIs(t, err, ErrMiss)

		_, err = db.Lookup(ctx, testURI, "pos")
		require.NoError(t, err)
		_, err = db.LookupCacheInfo(ctx, testURI)
		require.NoError(t, err)

		clk.Advance(time.Hour)
		assert.Equal(t, 1, reaper.ReapNow(ctx))
		_, err = db.get(makeEntryKey(kindCacheInfo, testURI, ""))
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("processes multiple batches", func(t *testing.T) {
		clk := newClock()
		db := newTestBoltCache(t, WithNow(clk.Now), WithTTL(time.Hour, time.Minute))

		for i := range 25 {
			require.NoError(t, db.Store(ctx, testURI, fmt.Sprintf("h%02d", i), Entry{Present: false}))
		}

		clk.Advance(time.Minute)
		reaper := NewReaper(db, WithReaperBatchSize(10))
		assert.Equal(t, 25, reaper.ReapNow(ctx))

		stats := reaper.Stats()
		assert.Equal(t, 25, stats.LastReapCount)
		assert.Equal(t, int64(25), stats.TotalReaped)
		assert.Equal(t, 10, stats.BatchSize)

		assert.Zero(t, reaper.ReapNow(ctx))
	})

	t.Run("run stops on cancel", func(t *testing.T) {
		db := newTestBoltCache(t)
		reaper := NewReaper(db, WithReaperInterval(time.Millisecond))

		ctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			reaper.Run(ctx)
			close(done)
		}()

		time.Sleep(5 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("reaper did not stop")
		}
	})
}
