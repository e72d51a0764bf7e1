// Package cache keeps recently loaded aggregates in memory so the cqrs
// framework can skip replaying their streams.
//
//	c := cache.NewTyped[*Account](cache.NewLRU(cache.LRUOpts{Size: 1024}))
//	c.Put("acc-1", acc, cache.WithTTL(time.Minute))
//	acc, ok := c.Get("acc-1")
//
// Entries past their TTL are dropped lazily on access.
package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

type TypedCache[T any] interface {
	Get(key string) (T, bool)
	Put(key string, val T, opts ...PutOption)
	Delete(key string)
}

type typedCache[T any] struct{ c Cache }

func NewTyped[T any](c Cache) TypedCache[T] { return typedCache[T]{c: c} }

func (t typedCache[T]) Get(key string) (out T, ok bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return out, false
	}
	out, ok = v.(T)
	return out, ok
}

func (t typedCache[T]) Put(key string, val T, opts ...PutOption) { t.c.Put(key, val, opts...) }
func (t typedCache[T]) Delete(key string)                        { t.c.Delete(key) }

// Nop never stores anything.
type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) Get(string) (any, bool)        { return nil, false }
func (Nop) Put(string, any, ...PutOption) {}
func (Nop) Delete(string)                 {}

var (
	_ Cache            = Nop{}
	_ TypedCache[bool] = typedCache[bool]{}
)
