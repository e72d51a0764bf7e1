package es

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/ports/backend"
)

func TestReplayStream_Pages(t *testing.T) {
	m := &countingMetrics{}
	repo := NewTestRepository(t, WithStreamPageSize(2), WithMetrics(m))
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a1", 0, 3), nil))
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a2", 0, 2), nil))

	events, err := repo.StreamAllEvents(t.Context()).Collect()
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, []int{2, 2, 1, 0}, m.pages)

	require.Equal(t, "a1", events[0].AggregateID)
	require.Equal(t, Sequence(3), events[2].Sequence)
	require.Equal(t, "a2", events[3].AggregateID)
}

func TestReplayStream_ExactPageMultiple(t *testing.T) {
	m := &countingMetrics{}
	repo := NewTestRepository(t, WithStreamPageSize(2), WithMetrics(m))
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a1", 0, 4), nil))

	events, err := repo.StreamAllEvents(t.Context()).Collect()
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, []int{2, 2, 0}, m.pages)
}

func TestReplayStream_EarlyBreak(t *testing.T) {
	repo := NewTestRepository(t, WithStreamPageSize(1))
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a1", 0, 5), nil))

	s := repo.StreamAllEvents(t.Context())
	n := 0
	for _, err := range s.All() {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
	require.False(t, s.Next())
	require.NoError(t, s.Err())
}

func TestReplayStream_Canceled(t *testing.T) {
	repo := NewTestRepository(t)
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a1", 0, 1), nil))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	s := repo.StreamEvents(ctx, "a1")
	require.False(t, s.Next())
	require.ErrorIs(t, s.Err(), ErrConnection)
	require.True(t, errors.Is(s.Err(), context.Canceled))
}

func TestReplayStream_FetchError(t *testing.T) {
	boom := newError("stream", KindConnection, errors.New("boom"))
	calls := 0
	s := newReplayStream(t.Context(), func(context.Context) ([]SerializedEvent, bool, error) {
		calls++
		if calls == 1 {
			return []SerializedEvent{{Sequence: 1}}, true, nil
		}
		return nil, false, boom
	}, nil)

	require.True(t, s.Next())
	require.Equal(t, Sequence(1), s.Event().Sequence)
	require.False(t, s.Next())
	require.ErrorIs(t, s.Err(), boom)
	require.False(t, s.Next())
	require.Equal(t, 2, calls)
}

// shortPages drops the last record of the first full page it serves, the way
// a backend does when a listed key vanishes before its value is read.
type shortPages struct {
	backend.Backend
	dropped bool
}

func (b *shortPages) Begin(ctx context.Context, mode backend.Mode, stores ...string) (backend.Tx, error) {
	tx, err := b.Backend.Begin(ctx, mode, stores...)
	if err != nil {
		return nil, err
	}
	return &shortPagesTx{Tx: tx, b: b}, nil
}

type shortPagesTx struct {
	backend.Tx
	b *shortPages
}

func (tx *shortPagesTx) Store(name string) (backend.Store, error) {
	s, err := tx.Tx.Store(name)
	if err != nil {
		return nil, err
	}
	return &shortPagesStore{Store: s, b: tx.b}, nil
}

type shortPagesStore struct {
	backend.Store
	b *shortPages
}

func (s *shortPagesStore) GetAll(ctx context.Context, q backend.Query) ([]backend.Record, error) {
	recs, err := s.Store.GetAll(ctx, q)
	if err != nil || s.b.dropped || q.Limit == 0 || len(recs) < q.Limit {
		return recs, err
	}
	s.b.dropped = true
	return recs[:len(recs)-1], nil
}

func TestReplayStream_ShortPage(t *testing.T) {
	mem, err := backend.NewMemory(Schema())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	b := &shortPages{Backend: mem}

	repo := NewRepository(b, WithStreamPageSize(3))
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a1", 0, 5), nil))
	require.NoError(t, repo.Persist(t.Context(), testEvents(t, "a2", 0, 2), nil))

	events, err := repo.StreamAllEvents(t.Context()).Collect()
	require.NoError(t, err)
	require.True(t, b.dropped)

	// a1@3 is skipped by the short page and picked up again by the next one
	require.Len(t, events, 7)
	require.Equal(t, "a1", events[2].AggregateID)
	require.Equal(t, Sequence(3), events[2].Sequence)
	require.Equal(t, "a2", events[6].AggregateID)
}
