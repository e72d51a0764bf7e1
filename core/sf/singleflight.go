// Package sf collapses concurrent loads of the same key into one call.
package sf

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent calls that share a key. The first caller
// runs fn; the others wait for its result or for their own context.
type Group[T any] struct {
	group singleflight.Group
}

func New[T any]() *Group[T] { return &Group[T]{} }

// Do runs fn once per key at a time. fn receives a context detached from the
// caller's cancellation so one caller giving up does not fail the others.
// shared reports whether the result was handed to more than one caller.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	ch := g.group.DoChan(key, func() (any, error) {
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

// Forget drops key so the next Do starts a fresh call.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }
