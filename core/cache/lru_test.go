package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLRU_Eviction(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Put("b", 2)

	// touching a makes b the oldest
	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	l.Put("c", 3)
	_, ok = l.Get("b")
	require.False(t, ok)
	require.Equal(t, 2, l.Len())

	l.Put("a", 10)
	v, _ = l.Get("a")
	require.Equal(t, 10, v)
}

func TestLRU_Delete(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Delete("a")
	l.Delete("missing")

	_, ok := l.Get("a")
	require.False(t, ok)
	require.Zero(t, l.Len())
}

func TestLRU_TTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLRU(LRUOpts{Size: 4, TTL: time.Minute, now: clock.now})

	l.Put("default", 1)
	l.Put("short", 2, WithTTL(time.Second))
	l.Put("forever", 3, WithTTL(0))

	clock.advance(2 * time.Second)
	_, ok := l.Get("short")
	require.False(t, ok)
	_, ok = l.Get("default")
	require.True(t, ok)

	clock.advance(time.Minute)
	_, ok = l.Get("default")
	require.False(t, ok)
	_, ok = l.Get("forever")
	require.True(t, ok)
	require.Equal(t, 1, l.Len())
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 16})
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := fmt.Sprintf("k%d", (w+i)%32)
				l.Put(key, i)
				l.Get(key)
				if i%7 == 0 {
					l.Delete(key)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 16)
}

func TestTyped(t *testing.T) {
	c := NewTyped[*int](NewLRU(LRUOpts{}))
	n := 7
	c.Put("n", &n)

	got, ok := c.Get("n")
	require.True(t, ok)
	require.Same(t, &n, got)

	c.Delete("n")
	_, ok = c.Get("n")
	require.False(t, ok)

	raw := NewLRU(LRUOpts{})
	raw.Put("s", "not an int")
	_, ok = NewTyped[*int](raw).Get("s")
	require.False(t, ok)
}

func TestNop(t *testing.T) {
	c := NewNop()
	c.Put("a", 1)
	_, ok := c.Get("a")
	require.False(t, ok)
}
