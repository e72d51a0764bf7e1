package backend

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Memory is a serializable in-memory Backend for tests and development.
// Writes are staged per transaction and validated at commit: inserted keys must
// still be absent and keys read inside ReadWrite transactions must be unchanged.
type Memory struct {
	mu     sync.RWMutex
	log    *slog.Logger
	schema Schema
	rev    uint64
	stores map[string]map[string]*memRow
	closed bool
}

type memRow struct {
	key   Key
	value []byte
	rev   uint64
}

func NewMemory(schema Schema) (*Memory, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{
		log:    slog.Default().With(slog.String("backend", "memory")),
		schema: schema,
		stores: map[string]map[string]*memRow{},
	}
	for _, st := range schema.Stores {
		m.stores[st.Name] = map[string]*memRow{}
	}
	return m, nil
}

func (m *Memory) Begin(ctx context.Context, mode Mode, stores ...string) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	tx := &memTx{
		b:      m,
		mode:   mode,
		scope:  map[string]StoreSchema{},
		writes: map[string]map[string]*memWrite{},
		reads:  map[string]map[string]uint64{},
	}
	for _, name := range stores {
		st, err := m.schema.Store(name)
		if err != nil {
			return nil, err
		}
		tx.scope[name] = st
	}
	return tx, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of committed records in the named store.
func (m *Memory) Len(store string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stores[store])
}

type memWrite struct {
	key    Key
	value  []byte
	insert bool
}

type memTx struct {
	mu     sync.Mutex
	b      *Memory
	mode   Mode
	scope  map[string]StoreSchema
	writes map[string]map[string]*memWrite
	reads  map[string]map[string]uint64
	done   bool
}

func (t *memTx) Store(name string) (Store, error) {
	st, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in transaction scope", ErrUnknownStore, name)
	}
	return &memStore{tx: t, schema: st}, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.done = true

	if t.mode == ReadOnly {
		return nil
	}

	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for store, keys := range t.reads {
		rows := b.stores[store]
		for enc, rev := range keys {
			var cur uint64
			if row, ok := rows[enc]; ok {
				cur = row.rev
			}
			if cur != rev {
				return fmt.Errorf("%w: %s changed since read", ErrConflict, store)
			}
		}
	}
	for store, ws := range t.writes {
		rows := b.stores[store]
		for enc, w := range ws {
			if _, ok := rows[enc]; ok && w.insert {
				return fmt.Errorf("%w: %s%s", ErrKeyExists, store, w.key)
			}
		}
	}

	b.rev++
	n := 0
	for store, ws := range t.writes {
		rows := b.stores[store]
		for enc, w := range ws {
			rows[enc] = &memRow{key: w.key, value: w.value, rev: b.rev}
			n++
		}
	}
	b.log.Debug("commit", slog.Uint64("rev", b.rev), slog.Int("writes", n))
	return nil
}

func (t *memTx) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.writes = nil
	return nil
}

type memStore struct {
	tx     *memTx
	schema StoreSchema
}

func (s *memStore) write(ctx context.Context, key Key, value []byte, insert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.schema.CheckKey(key); err != nil {
		return err
	}

	t := s.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	if t.mode != ReadWrite {
		return ErrReadOnly
	}

	enc := key.encode()
	staged := t.writes[s.schema.Name]
	if staged == nil {
		staged = map[string]*memWrite{}
		t.writes[s.schema.Name] = staged
	}

	if insert {
		if _, ok := staged[enc]; ok {
			return fmt.Errorf("%w: %s%s", ErrKeyExists, s.schema.Name, key)
		}
		t.b.mu.RLock()
		_, exists := t.b.stores[s.schema.Name][enc]
		t.b.mu.RUnlock()
		if exists {
			return fmt.Errorf("%w: %s%s", ErrKeyExists, s.schema.Name, key)
		}
	} else if prev, ok := staged[enc]; ok {
		insert = prev.insert
	}

	staged[enc] = &memWrite{key: slices.Clone(key), value: slices.Clone(value), insert: insert}
	return nil
}

func (s *memStore) Insert(ctx context.Context, key Key, value []byte) error {
	return s.write(ctx, key, value, true)
}

func (s *memStore) Put(ctx context.Context, key Key, value []byte) error {
	return s.write(ctx, key, value, false)
}

func (s *memStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.schema.CheckKey(key); err != nil {
		return nil, err
	}

	t := s.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}

	enc := key.encode()
	if w, ok := t.writes[s.schema.Name][enc]; ok {
		return slices.Clone(w.value), nil
	}

	t.b.mu.RLock()
	row, ok := t.b.stores[s.schema.Name][enc]
	t.b.mu.RUnlock()

	if t.mode == ReadWrite {
		reads := t.reads[s.schema.Name]
		if reads == nil {
			reads = map[string]uint64{}
			t.reads[s.schema.Name] = reads
		}
		if _, seen := reads[enc]; !seen {
			var rev uint64
			if ok {
				rev = row.rev
			}
			reads[enc] = rev
		}
	}

	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(row.value), nil
}

// snapshot merges committed rows with the transaction's staged writes.
func (s *memStore) snapshot(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := s.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}

	merged := map[string]Record{}
	t.b.mu.RLock()
	for enc, row := range t.b.stores[s.schema.Name] {
		merged[enc] = Record{Key: row.key, Value: row.value}
	}
	t.b.mu.RUnlock()
	for enc, w := range t.writes[s.schema.Name] {
		merged[enc] = Record{Key: w.key, Value: w.value}
	}

	out := make([]Record, 0, len(merged))
	for _, r := range merged {
		out = append(out, Record{Key: slices.Clone(r.Key), Value: slices.Clone(r.Value)})
	}
	return out, nil
}

func (s *memStore) GetAll(ctx context.Context, q Query) ([]Record, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(r Record) bool { return !q.Range.Contains(r.Key) })
	slices.SortFunc(out, func(a, b Record) int { return Compare(a.Key, b.Key) })
	return limit(out, q.Limit), nil
}

func (s *memStore) GetAllByIndex(ctx context.Context, index string, q Query) ([]Record, error) {
	idx, err := s.schema.Index(index)
	if err != nil {
		return nil, err
	}
	all, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		ik  Key
		rec Record
	}
	hits := make([]indexed, 0, len(all))
	for _, r := range all {
		ik := s.schema.IndexKey(idx, r.Key)
		if q.Range.Contains(ik) {
			hits = append(hits, indexed{ik: ik, rec: r})
		}
	}
	slices.SortFunc(hits, func(a, b indexed) int {
		if c := Compare(a.ik, b.ik); c != 0 {
			return c
		}
		return Compare(a.rec.Key, b.rec.Key)
	})

	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	return limit(out, q.Limit), nil
}

func limit(rs []Record, n int) []Record {
	if n > 0 && len(rs) > n {
		return rs[:n]
	}
	return rs
}

var _ Backend = (*Memory)(nil)
