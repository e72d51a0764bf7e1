// Package estests is a conformance suite for event repositories. Backend
// adapters run it against their own storage.
package estests

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/core/es"
	"github.com/codewandler/eventrepo/core/es/estests/domain"
	"github.com/codewandler/eventrepo/ports/backend"
)

// BackendFactory returns a fresh, empty backend laid out with schema.
type BackendFactory func(t *testing.T, schema backend.Schema) backend.Backend

// Run executes the full suite. Each subtest gets its own backend.
func Run(t *testing.T, newBackend BackendFactory) {
	newRepo := func(t *testing.T, opts ...es.RepositoryOption) *es.Repository {
		t.Helper()
		return es.NewRepository(newBackend(t, es.Schema()), opts...)
	}

	t.Run("empty aggregate", func(t *testing.T) { testEmpty(t, newRepo(t)) })
	t.Run("persist and read", func(t *testing.T) { testPersistAndRead(t, newRepo(t)) })
	t.Run("collision rejects batch", func(t *testing.T) { testCollision(t, newRepo(t)) })
	t.Run("duplicate delivery", func(t *testing.T) { testDuplicateDelivery(t, newRepo(t)) })
	t.Run("gap rejected", func(t *testing.T) { testGap(t, newRepo(t)) })
	t.Run("concurrent writers", func(t *testing.T) { testConcurrentWriters(t, newRepo(t)) })
	t.Run("last events", func(t *testing.T) { testLastEvents(t, newRepo(t)) })
	t.Run("types share id", func(t *testing.T) { testTypesShareID(t, newRepo(t)) })
	t.Run("snapshot versions", func(t *testing.T) { testSnapshotVersions(t, newRepo(t)) })
	t.Run("snapshot only", func(t *testing.T) { testSnapshotOnly(t, newRepo(t)) })
	t.Run("snapshot refresh", func(t *testing.T) { testSnapshotRefresh(t, newRepo(t)) })
	t.Run("snapshot sequence bounds", func(t *testing.T) { testSnapshotBounds(t, newRepo(t)) })
	t.Run("stale snapshot keeps events out", func(t *testing.T) { testStaleSnapshotAtomic(t, newRepo(t)) })
	t.Run("snapshot replay", func(t *testing.T) { testSnapshotReplay(t, newRepo(t)) })
	t.Run("stream events", func(t *testing.T) { testStreamEvents(t, newRepo(t)) })
	t.Run("stream all events", func(t *testing.T) {
		testStreamAll(t, newRepo(t, es.WithStreamPageSize(3)))
	})
}

func serialize(t *testing.T, aggID string, after es.Sequence, events ...any) []es.SerializedEvent {
	t.Helper()
	ses, err := es.Serialize(domain.AggregateType, aggID, after, nil, events...)
	require.NoError(t, err)
	return ses
}

func sequences(events []es.SerializedEvent) []es.Sequence {
	out := make([]es.Sequence, 0, len(events))
	for _, e := range events {
		out = append(out, e.Sequence)
	}
	return out
}

func testEmpty(t *testing.T, repo es.EventRepository) {
	events, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Empty(t, events)

	snap, err := repo.GetSnapshot(t.Context(), "a1")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func testPersistAndRead(t *testing.T, repo es.EventRepository) {
	in := serialize(t, "a1", 0, &domain.Created{ID: "a1"}, &domain.Tested{Name: "t1"})
	require.NoError(t, repo.Persist(t.Context(), in, nil))

	out, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []es.Sequence{1, 2}, sequences(out))
	require.Equal(t, "Created", out[0].EventType)
	require.Equal(t, "Tested", out[1].EventType)
	require.JSONEq(t, `{"name":"t1"}`, string(out[1].Payload))

	more := serialize(t, "a1", 2, &domain.Tested{Name: "t2"}, &domain.Tested{Name: "t3"})
	require.NoError(t, repo.Persist(t.Context(), more, nil))

	out, err = repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Equal(t, []es.Sequence{1, 2, 3, 4}, sequences(out))
}

func testCollision(t *testing.T, repo es.EventRepository) {
	require.NoError(t, repo.Persist(t.Context(), serialize(t, "a1", 0, &domain.Created{ID: "a1"}, &domain.Tested{Name: "t1"}), nil))
	before, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)

	x := serialize(t, "a1", 2, &domain.Tested{Name: "x"})[0]
	y := serialize(t, "a1", 1, &domain.Tested{Name: "y"})[0]
	err = repo.Persist(t.Context(), []es.SerializedEvent{x, y}, nil)
	require.ErrorIs(t, err, es.ErrOptimisticLock)
	require.Equal(t, es.KindOptimisticLock, es.KindOf(err))

	after, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func testDuplicateDelivery(t *testing.T, repo es.EventRepository) {
	batch := serialize(t, "a1", 0, &domain.Created{ID: "a1"})
	require.NoError(t, repo.Persist(t.Context(), batch, nil))
	require.ErrorIs(t, repo.Persist(t.Context(), batch, nil), es.ErrOptimisticLock)

	out, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func testGap(t *testing.T, repo es.EventRepository) {
	err := repo.Persist(t.Context(), serialize(t, "a1", 4, &domain.Tested{Name: "late"}), nil)
	require.Error(t, err)
	require.Equal(t, es.KindUnknown, es.KindOf(err))

	out, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Empty(t, out)
}

func testConcurrentWriters(t *testing.T, repo es.EventRepository) {
	require.NoError(t, repo.Persist(t.Context(), serialize(t, "a1", 0, &domain.Created{ID: "a1"}, &domain.Tested{Name: "t1"}), nil))

	const writers = 2
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := es.Serialize(domain.AggregateType, "a1", 2, nil, &domain.Tested{Name: fmt.Sprintf("w%d", i)})
			if !assert.NoError(t, err) {
				return
			}
			err = repo.Persist(t.Context(), batch, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case es.IsOptimisticLock(err):
				lost++
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, writers-1, lost)

	out, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Equal(t, []es.Sequence{1, 2, 3}, sequences(out))
}

func testLastEvents(t *testing.T, repo es.EventRepository) {
	require.NoError(t, repo.Persist(t.Context(), serialize(t, "a1", 0,
		&domain.Created{ID: "a1"},
		&domain.Tested{Name: "t1"},
		&domain.Tested{Name: "t2"},
		&domain.Tested{Name: "t3"},
	), nil))
	require.NoError(t, repo.Persist(t.Context(), serialize(t, "a2", 0, &domain.Created{ID: "a2"}), nil))

	for _, tc := range []struct {
		after es.Sequence
		want  []es.Sequence
	}{
		{after: 0, want: []es.Sequence{1, 2, 3, 4}},
		{after: 2, want: []es.Sequence{3, 4}},
		{after: 4, want: []es.Sequence{}},
		{after: 9, want: []es.Sequence{}},
	} {
		t.Run(fmt.Sprintf("after %d", tc.after), func(t *testing.T) {
			out, err := repo.GetLastEvents(t.Context(), "a1", tc.after)
			require.NoError(t, err)
			require.Equal(t, tc.want, sequences(out))
			for _, e := range out {
				require.Equal(t, "a1", e.AggregateID)
			}
		})
	}
}

func testTypesShareID(t *testing.T, repo es.EventRepository) {
	order, err := es.Serialize("order", "x1", 0, nil, &domain.Created{ID: "x1"}, &domain.Tested{Name: "o"})
	require.NoError(t, err)
	invoice, err := es.Serialize("invoice", "x1", 0, nil, &domain.Created{ID: "x1"})
	require.NoError(t, err)
	require.NoError(t, repo.Persist(t.Context(), order, nil))
	require.NoError(t, repo.Persist(t.Context(), invoice, nil))

	out, err := repo.GetEvents(t.Context(), "x1")
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		require.LessOrEqual(t, out[i-1].Sequence, out[i].Sequence)
	}
	require.Len(t, es.FilterType(out, "order"), 2)
	require.Len(t, es.FilterType(out, "invoice"), 1)
}

func testSnapshotVersions(t *testing.T, repo es.EventRepository) {
	events := serialize(t, "a1", 0, &domain.Created{ID: "a1"})
	require.NoError(t, repo.Persist(t.Context(), events, &es.SnapshotUpdate{
		AggregateType: domain.AggregateType,
		AggregateID:   "a1",
		State:         json.RawMessage(`{"v":1}`),
	}))

	snap, err := repo.GetSnapshot(t.Context(), "a1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.EqualValues(t, 1, snap.Version)
	require.EqualValues(t, 1, snap.CurrentSequence)
	require.JSONEq(t, `{"v":1}`, string(snap.State))

	events = serialize(t, "a1", 1, &domain.Tested{Name: "t1"})
	require.NoError(t, repo.Persist(t.Context(), events, &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":2}`),
		ExpectedVersion: 1,
	}))

	snap, err = repo.GetSnapshotFor(t.Context(), domain.AggregateType, "a1")
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Version)
	require.EqualValues(t, 2, snap.CurrentSequence)

	err = repo.Persist(t.Context(), nil, &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":"stale"}`),
		CurrentSequence: 2,
		ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, es.ErrOptimisticLock)

	snap, err = repo.GetSnapshot(t.Context(), "a1")
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Version)
	require.JSONEq(t, `{"v":2}`, string(snap.State))

	err = repo.Persist(t.Context(), nil, &es.SnapshotUpdate{
		AggregateType: domain.AggregateType,
		AggregateID:   "a1",
		State:         json.RawMessage(`{"v":"again"}`),
	})
	require.ErrorIs(t, err, es.ErrOptimisticLock, "creating an existing snapshot")
}

func testSnapshotOnly(t *testing.T, repo es.EventRepository) {
	require.NoError(t, repo.Persist(t.Context(), nil, &es.SnapshotUpdate{
		AggregateType: domain.AggregateType,
		AggregateID:   "a1",
		State:         json.RawMessage(`{}`),
	}))

	events, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Empty(t, events)

	snap, err := repo.GetSnapshot(t.Context(), "a1")
	require.NoError(t, err)
	require.EqualValues(t, 1, snap.Version)
	require.EqualValues(t, 0, snap.CurrentSequence)
}

func testSnapshotRefresh(t *testing.T, repo es.EventRepository) {
	ctx := t.Context()
	require.NoError(t, repo.Persist(ctx, serialize(t, "a1", 0,
		&domain.Created{ID: "a1"},
		&domain.Tested{Name: "t1"},
		&domain.Tested{Name: "t2"},
	), &es.SnapshotUpdate{
		AggregateType: domain.AggregateType,
		AggregateID:   "a1",
		State:         json.RawMessage(`{"v":3}`),
	}))

	// no events and no sequence: the snapshot stays at the stream tail
	require.NoError(t, repo.Persist(ctx, nil, &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":3}`),
		ExpectedVersion: 1,
	}))
	snap, err := repo.GetSnapshot(ctx, "a1")
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Version)
	require.EqualValues(t, 3, snap.CurrentSequence)

	tail, err := repo.GetLastEvents(ctx, "a1", snap.CurrentSequence)
	require.NoError(t, err)
	require.Empty(t, tail)

	// events appended without a snapshot are covered by the next refresh
	require.NoError(t, repo.Persist(ctx, serialize(t, "a1", 3, &domain.Tested{Name: "t3"}, &domain.Tested{Name: "t4"}), nil))
	require.NoError(t, repo.Persist(ctx, nil, &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":5}`),
		ExpectedVersion: 2,
	}))
	snap, err = repo.GetSnapshot(ctx, "a1")
	require.NoError(t, err)
	require.EqualValues(t, 3, snap.Version)
	require.EqualValues(t, 5, snap.CurrentSequence)
}

func testSnapshotBounds(t *testing.T, repo es.EventRepository) {
	ctx := t.Context()
	require.NoError(t, repo.Persist(ctx, serialize(t, "a1", 0,
		&domain.Created{ID: "a1"},
		&domain.Tested{Name: "t1"},
		&domain.Tested{Name: "t2"},
	), &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":2}`),
		CurrentSequence: 2,
	}))

	cases := []struct {
		name   string
		events []es.SerializedEvent
		seq    es.Sequence
	}{
		{name: "beyond the stream", seq: 99},
		{name: "beyond the batch", events: serialize(t, "a1", 3, &domain.Tested{Name: "t3"}), seq: 5},
		{name: "behind the stored snapshot", seq: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := repo.Persist(ctx, tc.events, &es.SnapshotUpdate{
				AggregateType:   domain.AggregateType,
				AggregateID:     "a1",
				State:           json.RawMessage(`{"v":"bad"}`),
				CurrentSequence: tc.seq,
				ExpectedVersion: 1,
			})
			require.ErrorIs(t, err, es.ErrUnknown)

			snap, err := repo.GetSnapshot(ctx, "a1")
			require.NoError(t, err)
			require.EqualValues(t, 1, snap.Version)
			require.EqualValues(t, 2, snap.CurrentSequence)

			events, err := repo.GetEvents(ctx, "a1")
			require.NoError(t, err)
			require.Len(t, events, 3)
		})
	}

	// the tail itself and the batch tail are accepted
	require.NoError(t, repo.Persist(ctx, nil, &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":3}`),
		CurrentSequence: 3,
		ExpectedVersion: 1,
	}))
	require.NoError(t, repo.Persist(ctx, serialize(t, "a1", 3, &domain.Tested{Name: "t3"}), &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{"v":4}`),
		CurrentSequence: 4,
		ExpectedVersion: 2,
	}))
}

func testStaleSnapshotAtomic(t *testing.T, repo es.EventRepository) {
	require.NoError(t, repo.Persist(t.Context(), serialize(t, "a1", 0, &domain.Created{ID: "a1"}), &es.SnapshotUpdate{
		AggregateType: domain.AggregateType,
		AggregateID:   "a1",
		State:         json.RawMessage(`{}`),
	}))

	err := repo.Persist(t.Context(), serialize(t, "a1", 1, &domain.Tested{Name: "t1"}), &es.SnapshotUpdate{
		AggregateType:   domain.AggregateType,
		AggregateID:     "a1",
		State:           json.RawMessage(`{}`),
		ExpectedVersion: 7,
	})
	require.ErrorIs(t, err, es.ErrOptimisticLock)

	events, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.Len(t, events, 1, "events of a rejected batch must not be visible")
}

func testSnapshotReplay(t *testing.T, repo es.EventRepository) {
	var (
		reg     = domain.Registry()
		state   = new(domain.State)
		seq     es.Sequence
		version uint64
	)

	history := []any{&domain.Created{ID: "a1"}}
	for i := range 9 {
		history = append(history, &domain.Tested{Name: fmt.Sprintf("t%d", i)})
	}

	// persist in batches of two, snapshot after every second batch
	for i := 0; i < len(history); i += 2 {
		batch := serialize(t, "a1", seq, history[i:min(i+2, len(history))]...)
		require.NoError(t, state.Replay(reg, batch))
		seq += es.Sequence(len(batch))

		var snap *es.SnapshotUpdate
		if (i/2)%2 == 1 {
			snap = &es.SnapshotUpdate{
				AggregateType:   domain.AggregateType,
				AggregateID:     "a1",
				State:           state.Marshal(),
				ExpectedVersion: version,
			}
			version++
		}
		require.NoError(t, repo.Persist(t.Context(), batch, snap))
	}

	full := new(domain.State)
	all, err := repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)
	require.NoError(t, full.Replay(reg, all))

	snap, err := repo.GetSnapshot(t.Context(), "a1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Less(t, snap.CurrentSequence, seq)

	fromSnap, err := domain.Restore(snap)
	require.NoError(t, err)
	tail, err := repo.GetLastEvents(t.Context(), "a1", snap.CurrentSequence)
	require.NoError(t, err)
	require.NoError(t, fromSnap.Replay(reg, tail))

	require.Equal(t, full, fromSnap)
	require.Equal(t, state, full)
}

func testStreamEvents(t *testing.T, repo es.EventRepository) {
	require.NoError(t, repo.Persist(t.Context(), serialize(t, "a1", 0,
		&domain.Created{ID: "a1"},
		&domain.Tested{Name: "t1"},
		&domain.Tested{Name: "t2"},
	), nil))

	s := repo.StreamEvents(t.Context(), "a1")
	var got []es.Sequence
	for s.Next() {
		got = append(got, s.Event().Sequence)
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())
	require.Equal(t, []es.Sequence{1, 2, 3}, got)
	require.False(t, s.Next(), "a drained stream stays drained")

	empty, err := repo.StreamEvents(t.Context(), "nope").Collect()
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testStreamAll(t *testing.T, repo es.EventRepository) {
	want := map[string]int{"a1": 4, "a2": 3, "a3": 1}
	for id, n := range want {
		events := []any{&domain.Created{ID: id}}
		for i := 1; i < n; i++ {
			events = append(events, &domain.Tested{Name: fmt.Sprintf("%s-%d", id, i)})
		}
		require.NoError(t, repo.Persist(t.Context(), serialize(t, id, 0, events...), nil))
	}

	last := map[string]es.Sequence{}
	got := map[string]int{}
	for ev, err := range repo.StreamAllEvents(t.Context()).All() {
		require.NoError(t, err)
		require.Equal(t, last[ev.AggregateID]+1, ev.Sequence, "ascending within %s", ev.AggregateID)
		last[ev.AggregateID] = ev.Sequence
		got[ev.AggregateID]++
	}
	require.Equal(t, want, got)
}
