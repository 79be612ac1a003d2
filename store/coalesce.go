package store

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// coalescer runs one fetch per key for concurrent callers. The fetch gets a
// context detached from any single caller, so one caller giving up does not
// fail the others; each caller still returns as soon as its own context is
// done.
type coalescer[T any] struct {
	group singleflight.Group
}

// do returns the result of fn for key, sharing an in-flight call if there is
// one. shared reports whether the result came from another caller's call.
func (c *coalescer[T]) do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}
