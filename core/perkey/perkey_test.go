package perkey

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

func TestScheduler_SerialPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		wg      sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(t.Context(), "acc-1", func(context.Context) error {
				assert.EqualValues(t, 1, running.Add(1))
				defer running.Add(-1)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, order)
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		running, peak atomic.Int32
		wg            sync.WaitGroup
	)
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(t.Context(), key, func(context.Context) error {
				cur := running.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Greater(t, peak.Load(), int32(1))
}

func TestScheduler_Error(t *testing.T) {
	s := New[int]()
	defer s.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, s.Do(t.Context(), 1, func(context.Context) error { return boom }), boom)
}

func TestScheduler_WorkerExits(t *testing.T) {
	s := New[int]()
	defer s.Close()

	require.NoError(t, s.Do(t.Context(), 1, func(context.Context) error { return nil }))
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, time.Millisecond)
}

func TestScheduler_CanceledWhileQueued(t *testing.T) {
	s := New[int]()
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(t.Context(), 1, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, 1, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, time.Millisecond)
	require.False(t, ran.Load())
}

func TestScheduler_QueueLimit(t *testing.T) {
	s := New[int](WithQueueLimit(1))
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(t.Context(), 1, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- s.Do(t.Context(), 1, func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.workers[1].queue) == 1
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, s.Do(t.Context(), 1, func(context.Context) error { return nil }), ErrQueueFull)
	close(release)
	require.NoError(t, <-queued)
}

func TestScheduler_Closed(t *testing.T) {
	s := New[int]()
	s.Close()
	require.ErrorIs(t, s.Do(t.Context(), 1, func(context.Context) error { return nil }), ErrSchedulerClosed)
}
