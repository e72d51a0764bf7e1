package backend

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{Stores: []StoreSchema{
	{
		Name: "events",
		Key: []Part{
			{Name: "aggregate_type"},
			{Name: "aggregate_id"},
			{Name: "sequence", Kind: Uint},
		},
		Indexes: []Index{{Name: "aggregate_id", Parts: []string{"aggregate_id", "sequence"}}},
	},
	{
		Name: "snapshots",
		Key:  []Part{{Name: "aggregate_type"}, {Name: "aggregate_id"}},
	},
}}

func newTestMemory(t *testing.T) *Memory {
	m, err := NewMemory(testSchema)
	require.NoError(t, err)
	return m
}

func TestMemory_InsertAndGet(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		s, err := tx.Store("events")
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, Key{"order", "o1", uint64(1)}, []byte("a")))
		// read your own write
		v, err := s.Get(ctx, Key{"order", "o1", uint64(1)})
		require.NoError(t, err)
		require.Equal(t, []byte("a"), v)
		return nil
	}, "events"))

	require.NoError(t, View(ctx, m, func(tx Tx) error {
		s, err := tx.Store("events")
		require.NoError(t, err)
		v, err := s.Get(ctx, Key{"order", "o1", uint64(1)})
		require.NoError(t, err)
		require.Equal(t, []byte("a"), v)

		_, err = s.Get(ctx, Key{"order", "o1", uint64(2)})
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	}, "events"))
}

func TestMemory_InsertCollision(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()
	key := Key{"order", "o1", uint64(1)}

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("events")
		return s.Insert(ctx, key, []byte("a"))
	}, "events"))

	err := Update(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("events")
		require.NoError(t, s.Insert(ctx, Key{"order", "o1", uint64(2)}, []byte("b")))
		return s.Insert(ctx, key, []byte("c"))
	}, "events")
	require.ErrorIs(t, err, ErrKeyExists)
	require.Equal(t, 1, m.Len("events"))
}

func TestMemory_CommitTimeCollision(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()
	key := Key{"order", "o1", uint64(1)}

	tx1, err := m.Begin(ctx, ReadWrite, "events")
	require.NoError(t, err)
	tx2, err := m.Begin(ctx, ReadWrite, "events")
	require.NoError(t, err)

	s1, _ := tx1.Store("events")
	s2, _ := tx2.Store("events")
	require.NoError(t, s1.Insert(ctx, key, []byte("one")))
	require.NoError(t, s2.Insert(ctx, key, []byte("two")))

	require.NoError(t, tx1.Commit(ctx))
	require.ErrorIs(t, tx2.Commit(ctx), ErrKeyExists)
	require.NoError(t, tx2.Abort())
}

func TestMemory_ReadSetConflict(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()
	key := Key{"order", "o1"}

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("snapshots")
		return s.Insert(ctx, key, []byte("v1"))
	}, "snapshots"))

	tx1, _ := m.Begin(ctx, ReadWrite, "snapshots")
	tx2, _ := m.Begin(ctx, ReadWrite, "snapshots")
	s1, _ := tx1.Store("snapshots")
	s2, _ := tx2.Store("snapshots")

	_, err := s1.Get(ctx, key)
	require.NoError(t, err)
	_, err = s2.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s1.Put(ctx, key, []byte("v2")))
	require.NoError(t, s2.Put(ctx, key, []byte("v2'")))

	require.NoError(t, tx1.Commit(ctx))
	require.ErrorIs(t, tx2.Commit(ctx), ErrConflict)
}

func TestMemory_AbortDiscardsWrites(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()

	tx, err := m.Begin(ctx, ReadWrite, "events")
	require.NoError(t, err)
	s, _ := tx.Store("events")
	require.NoError(t, s.Insert(ctx, Key{"order", "o1", uint64(1)}, []byte("a")))
	require.NoError(t, tx.Abort())
	require.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	require.Equal(t, 0, m.Len("events"))
}

func TestMemory_ReadOnly(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()

	err := View(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("events")
		return s.Insert(ctx, Key{"order", "o1", uint64(1)}, nil)
	}, "events")
	require.ErrorIs(t, err, ErrReadOnly)

	_, err = m.Begin(ctx, ReadOnly, "nope")
	require.ErrorIs(t, err, ErrUnknownStore)
}

func TestMemory_InvalidKey(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()

	err := Update(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("events")
		return s.Insert(ctx, Key{"order", "o1", 1}, nil)
	}, "events")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemory_Scans(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()

	require.NoError(t, Update(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("events")
		for _, k := range []Key{
			{"order", "a1", uint64(2)},
			{"order", "a1", uint64(1)},
			{"invoice", "a1", uint64(1)},
			{"order", "a2", uint64(1)},
		} {
			require.NoError(t, s.Insert(ctx, k, []byte(k.String())))
		}
		return nil
	}, "events"))

	require.NoError(t, View(ctx, m, func(tx Tx) error {
		s, _ := tx.Store("events")

		t.Run("primary key order", func(t *testing.T) {
			recs, err := s.GetAll(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, recs, 4)
			require.Equal(t, Key{"invoice", "a1", uint64(1)}, recs[0].Key)
			require.Equal(t, Key{"order", "a2", uint64(1)}, recs[3].Key)
		})

		t.Run("keyset pagination", func(t *testing.T) {
			recs, err := s.GetAll(ctx, Query{Range: After(Key{"order", "a1", uint64(1)}), Limit: 1})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			require.Equal(t, Key{"order", "a1", uint64(2)}, recs[0].Key)
		})

		t.Run("index by aggregate id", func(t *testing.T) {
			recs, err := s.GetAllByIndex(ctx, "aggregate_id", Query{Range: Only("a1")})
			require.NoError(t, err)
			require.Len(t, recs, 3)
			require.Equal(t, Key{"invoice", "a1", uint64(1)}, recs[0].Key)
			require.Equal(t, Key{"order", "a1", uint64(1)}, recs[1].Key)
			require.Equal(t, Key{"order", "a1", uint64(2)}, recs[2].Key)
		})

		t.Run("index after sequence", func(t *testing.T) {
			r := After(Key{"a1", uint64(1)}).Within("a1")
			recs, err := s.GetAllByIndex(ctx, "aggregate_id", Query{Range: r})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			require.Equal(t, Key{"order", "a1", uint64(2)}, recs[0].Key)
		})

		_, err := s.GetAllByIndex(ctx, "missing", Query{})
		require.ErrorIs(t, err, ErrUnknownIndex)
		return nil
	}, "events"))
}

func TestMemory_ConcurrentInserts(t *testing.T) {
	m := newTestMemory(t)
	ctx := t.Context()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Update(ctx, m, func(tx Tx) error {
				s, _ := tx.Store("events")
				return s.Insert(ctx, Key{"order", "o1", uint64(3)}, nil)
			}, "events")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrKeyExists)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
