package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescer_SingleCall(t *testing.T) {
	var c coalescer[int]

	v, shared, err := c.do(context.Background(), "key1", func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, 42, v)
}

func TestCoalescer_ConcurrentDeduplication(t *testing.T) {
	var c coalescer[string]
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]string, 10)
	errs := make([]error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = c.do(context.Background(), "shared-key", func(context.Context) (string, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)
				return "value", nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load(), "fn should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, "value", results[i])
	}
}

func TestCoalescer_CallerTimeout(t *testing.T) {
	var c coalescer[string]
	var completed atomic.Bool

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, err := c.do(shortCtx, "timeout-key", func(ctx context.Context) (string, error) {
			time.Sleep(200 * time.Millisecond)
			completed.Store(ctx.Err() == nil)
			return "slow", nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}()

	time.Sleep(5 * time.Millisecond)

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()
	v, shared, err := c.do(longCtx, "timeout-key", func(context.Context) (string, error) {
		t.Error("should not be called while a call is in flight")
		return "", nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, "slow", v)
	require.True(t, completed.Load(), "fn context is detached from the first caller")

	slowWg.Wait()
}

func TestCoalescer_Error(t *testing.T) {
	var c coalescer[int]
	boom := errors.New("cache unavailable")

	_, _, err := c.do(context.Background(), "key", func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	// A failed call is not remembered.
	v, _, err := c.do(context.Background(), "key", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
