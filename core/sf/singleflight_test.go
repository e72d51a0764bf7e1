package sf

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

func TestGroup_Dedup(t *testing.T) {
	var (
		g       = New[int]()
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)

	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := g.Do(t.Context(), "k", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.EqualValues(t, 1, calls.Load())
}

func TestGroup_Error(t *testing.T) {
	g := New[string]()
	boom := errors.New("boom")
	_, _, err := g.Do(t.Context(), "k", func(context.Context) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)
}

func TestGroup_CallerCanceled(t *testing.T) {
	g := New[int]()
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, _, err := g.Do(ctx, "k", func(ctx context.Context) (int, error) {
		<-release
		return 1, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
}
