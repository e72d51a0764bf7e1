package cqrs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/core/es"
)

type countingMetrics struct {
	nopMetrics
	retries, hits, misses, snapshots, queryFailures atomic.Int32
	mu                                              sync.Mutex
	failures                                        []string
}

func (m *countingMetrics) Retry(string)           { m.retries.Add(1) }
func (m *countingMetrics) CacheHit(string)        { m.hits.Add(1) }
func (m *countingMetrics) CacheMiss(string)       { m.misses.Add(1) }
func (m *countingMetrics) SnapshotWritten(string) { m.snapshots.Add(1) }
func (m *countingMetrics) QueryFailed(string)     { m.queryFailures.Add(1) }
func (m *countingMetrics) CommandFailed(_ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, reason)
}

func noBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newFramework(t *testing.T, strategy Strategy, opts ...Option) (*Framework[*account, accountCmd], *es.Repository) {
	t.Helper()
	repo := es.NewTestRepository(t)
	f, err := New[*account, accountCmd](Config[*account]{
		Repository: repo,
		Registry:   accountRegistry(),
		New:        newAccount,
		Strategy:   strategy,
	}, append([]Option{WithBackOff(noBackOff)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, repo
}

func TestFramework_Execute(t *testing.T) {
	for _, strategy := range []Strategy{EventStore(), SnapshotStore(2), AggregateStore()} {
		t.Run(strategy.String(), func(t *testing.T) {
			f, repo := newFramework(t, strategy, WithCacheLRU(8))
			ctx := t.Context()

			require.NoError(t, f.Execute(ctx, "acc-1", openAccount{Owner: "ann"}))
			require.NoError(t, f.Execute(ctx, "acc-1", deposit{Cents: 500}))
			require.NoError(t, f.Execute(ctx, "acc-1", withdraw{Cents: 200}))

			loaded, err := f.Load(ctx, "acc-1")
			require.NoError(t, err)
			require.Equal(t, es.Sequence(3), loaded.Sequence)
			require.Equal(t, &account{Owner: "ann", Open: true, Balance: 300, Events: 3}, loaded.Aggregate)

			events, err := repo.GetEvents(ctx, "acc-1")
			require.NoError(t, err)
			require.Len(t, events, 3)

			snap, err := repo.GetSnapshotFor(ctx, "account", "acc-1")
			require.NoError(t, err)
			switch strategy.kind {
			case eventStore:
				require.Nil(t, snap)
			case snapshotStore:
				require.EqualValues(t, 2, snap.CurrentSequence)
				require.EqualValues(t, 1, snap.Version)
			case aggregateStore:
				require.EqualValues(t, 3, snap.CurrentSequence)
				require.EqualValues(t, 3, snap.Version)
			}
		})
	}
}

func TestFramework_UserError(t *testing.T) {
	m := &countingMetrics{}
	f, repo := newFramework(t, EventStore(), WithMetrics(m))

	err := f.Execute(t.Context(), "acc-1", deposit{Cents: 5})
	require.ErrorIs(t, err, ErrUserError)
	require.ErrorContains(t, err, "precondition failed: account open")
	require.True(t, IsUserError(err))

	require.NoError(t, f.Execute(t.Context(), "acc-1", openAccount{Owner: "ann"}))
	err = f.Execute(t.Context(), "acc-1", withdraw{Cents: 1})
	require.ErrorIs(t, err, ErrUserError)
	require.ErrorContains(t, err, "insufficient funds")

	events, err := repo.GetEvents(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, []string{"user_error", "user_error"}, m.failures)
	require.Zero(t, m.retries.Load())

	require.ErrorIs(t, f.Execute(t.Context(), "", openAccount{}), ErrUserError)
}

func TestFramework_Metadata(t *testing.T) {
	f, repo := newFramework(t, EventStore())
	require.NoError(t, f.ExecuteWithMetadata(t.Context(), "acc-1", openAccount{Owner: "ann"}, es.Metadata{"correlation_id": "c-9"}))

	events, err := repo.GetEvents(t.Context(), "acc-1")
	require.NoError(t, err)
	md, err := events[0].DecodeMetadata()
	require.NoError(t, err)
	require.Equal(t, "c-9", md["correlation_id"])
}

// racingRepo commits a competing event right before the first Persist of
// each aggregate, as another process would.
type racingRepo struct {
	*es.Repository
	mu    sync.Mutex
	raced map[string]int
	races int
}

func (r *racingRepo) Persist(ctx context.Context, events []es.SerializedEvent, snap *es.SnapshotUpdate) error {
	r.mu.Lock()
	if len(events) > 0 && r.raced[events[0].AggregateID] < r.races {
		r.raced[events[0].AggregateID]++
		competing, err := es.Serialize(events[0].AggregateType, events[0].AggregateID, events[0].Sequence-1, nil, &deposited{Cents: 1})
		if err != nil {
			r.mu.Unlock()
			return err
		}
		if err := r.Repository.Persist(ctx, competing, nil); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	return r.Repository.Persist(ctx, events, snap)
}

func TestFramework_RetryOnConflict(t *testing.T) {
	base := es.NewTestRepository(t)
	repo := &racingRepo{Repository: base, raced: map[string]int{}}
	m := &countingMetrics{}

	f, err := NewEventStoreCqrs[*account, accountCmd](repo, accountRegistry(), newAccount, nil,
		WithBackOff(noBackOff), WithMetrics(m), WithCacheLRU(8))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Execute(t.Context(), "acc-1", openAccount{Owner: "ann"}))

	repo.races = 2
	require.NoError(t, f.Execute(t.Context(), "acc-1", deposit{Cents: 100}))
	require.EqualValues(t, 2, m.retries.Load())

	loaded, err := f.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 102, loaded.Aggregate.Balance)
	require.Equal(t, es.Sequence(4), loaded.Sequence)

	t.Run("exhausted", func(t *testing.T) {
		repo.races = 100
		f, err := NewEventStoreCqrs[*account, accountCmd](repo, accountRegistry(), newAccount, nil,
			WithBackOff(noBackOff), WithMaxAttempts(3))
		require.NoError(t, err)
		defer f.Close()

		err = f.Execute(t.Context(), "acc-1", deposit{Cents: 1})
		require.ErrorIs(t, err, ErrAggregateConflict)
		require.Equal(t, es.KindOptimisticLock, es.KindOf(err))
	})
}

func TestFramework_SnapshotConflict(t *testing.T) {
	f, repo := newFramework(t, AggregateStore(), WithCacheLRU(8))
	require.NoError(t, f.Execute(t.Context(), "acc-1", openAccount{Owner: "ann"}))

	// another process refreshes the snapshot without new events
	snap, err := repo.GetSnapshotFor(t.Context(), "account", "acc-1")
	require.NoError(t, err)
	require.NoError(t, repo.Persist(t.Context(), nil, &es.SnapshotUpdate{
		AggregateType:   "account",
		AggregateID:     "acc-1",
		State:           snap.State,
		CurrentSequence: snap.CurrentSequence,
		ExpectedVersion: snap.Version,
	}))

	require.NoError(t, f.Execute(t.Context(), "acc-1", deposit{Cents: 7}))
	snap, err = repo.GetSnapshotFor(t.Context(), "account", "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, snap.Version)
	require.EqualValues(t, 2, snap.CurrentSequence)
}

func TestFramework_ConcurrentCommands(t *testing.T) {
	f, _ := newFramework(t, SnapshotStore(5), WithCacheLRU(8))
	require.NoError(t, f.Execute(t.Context(), "acc-1", openAccount{Owner: "ann"}))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.Execute(t.Context(), "acc-1", deposit{Cents: 1}))
		}()
	}
	wg.Wait()

	loaded, err := f.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 20, loaded.Aggregate.Balance)
	require.Equal(t, es.Sequence(21), loaded.Sequence)
}

func TestFramework_Cache(t *testing.T) {
	m := &countingMetrics{}
	f, repo := newFramework(t, EventStore(), WithCacheLRU(8), WithMetrics(m))

	require.NoError(t, f.Execute(t.Context(), "acc-1", openAccount{Owner: "ann"}))
	require.EqualValues(t, 1, m.misses.Load())

	// a write that bypasses the framework is caught up on the next load
	external, err := es.Serialize("account", "acc-1", 1, nil, &deposited{Cents: 40})
	require.NoError(t, err)
	require.NoError(t, repo.Persist(t.Context(), external, nil))

	loaded, err := f.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, m.hits.Load())
	require.EqualValues(t, 40, loaded.Aggregate.Balance)

	// the returned aggregate is a private copy
	loaded.Aggregate.Balance = 1_000_000
	again, err := f.Load(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 40, again.Aggregate.Balance)
}

func TestFramework_LoadUnknown(t *testing.T) {
	f, _ := newFramework(t, SnapshotStore(3))
	loaded, err := f.Load(t.Context(), "nobody")
	require.NoError(t, err)
	require.Zero(t, loaded.Sequence)
	require.Equal(t, newAccount(), loaded.Aggregate)
}

func TestFramework_Queries(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	record := QueryFunc(func(_ context.Context, id string, events []EventEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			seen = append(seen, fmt.Sprintf("%s@%d:%s", id, ev.Sequence, ev.Serialized.EventType))
		}
		return nil
	})
	failing := QueryFunc(func(context.Context, string, []EventEnvelope) error {
		return fmt.Errorf("projection down")
	})

	m := &countingMetrics{}
	repo := es.NewTestRepository(t)
	f, err := NewAggregateCqrs[*account, accountCmd](repo, accountRegistry(), newAccount, []Query{failing, record}, WithMetrics(m))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Execute(t.Context(), "acc-1", openAccount{Owner: "ann"}))
	require.NoError(t, f.Execute(t.Context(), "acc-1", deposit{Cents: 3}))

	require.Equal(t, []string{"acc-1@1:account_opened", "acc-1@2:deposited"}, seen)
	require.EqualValues(t, 2, m.queryFailures.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New[*account, accountCmd](Config[*account]{})
	require.Error(t, err)

	_, err = New[*account, accountCmd](Config[*account]{Repository: es.NewTestRepository(t), Registry: accountRegistry()})
	require.ErrorContains(t, err, "constructor")
}

func TestStrategy_ShouldSnapshot(t *testing.T) {
	for _, tc := range []struct {
		s        Strategy
		from, to es.Sequence
		want     bool
	}{
		{EventStore(), 0, 10, false},
		{SnapshotStore(3), 0, 2, false},
		{SnapshotStore(3), 2, 3, true},
		{SnapshotStore(3), 3, 5, false},
		{SnapshotStore(3), 5, 7, true},
		{SnapshotStore(0), 1, 2, true},
		{AggregateStore(), 4, 5, true},
		{AggregateStore(), 5, 5, false},
	} {
		t.Run(fmt.Sprintf("%s %d-%d", tc.s, tc.from, tc.to), func(t *testing.T) {
			require.Equal(t, tc.want, tc.s.shouldSnapshot(tc.from, tc.to))
		})
	}
}

func TestGuard(t *testing.T) {
	require.NoError(t, Guard(True(true, "a"), Not(False(true, "b")), All(True(true, "c"))))

	err := Guard(True(false, "first"), All(True(true, "x"), True(false, "y")))
	require.ErrorContains(t, err, "precondition failed: first")
	require.ErrorContains(t, err, "precondition failed: x and y")
	require.Equal(t, "not(not b)", Not(False(true, "b")).String())
}

func TestFramework_ContextCanceled(t *testing.T) {
	f, _ := newFramework(t, EventStore())
	ctx, cancel := context.WithTimeout(t.Context(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	require.ErrorIs(t, f.Execute(ctx, "acc-1", openAccount{Owner: "ann"}), context.DeadlineExceeded)
}
