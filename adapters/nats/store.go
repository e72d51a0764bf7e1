package nats

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventrepo/ports/backend"
)

type store struct {
	tx     *tx
	schema backend.StoreSchema
}

func (s *store) check(write bool) error {
	if s.tx.done {
		return backend.ErrTxDone
	}
	if write && s.tx.mode != backend.ReadWrite {
		return backend.ErrReadOnly
	}
	return nil
}

func (s *store) Insert(ctx context.Context, key backend.Key, value []byte) error {
	return s.write(ctx, key, value, true)
}

func (s *store) Put(ctx context.Context, key backend.Key, value []byte) error {
	return s.write(ctx, key, value, false)
}

func (s *store) write(ctx context.Context, key backend.Key, value []byte, insert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if err := s.check(true); err != nil {
		return err
	}
	if err := s.schema.CheckKey(key); err != nil {
		return err
	}

	k := encodeKey(s.schema.Name, key)
	if w := s.tx.pending(k); w != nil {
		if insert {
			return fmt.Errorf("%w: %s%s", backend.ErrKeyExists, s.schema.Name, key)
		}
		w.value = slices.Clone(value)
		return nil
	}
	if insert {
		if rev, read := s.tx.reads[k]; read && rev != 0 {
			return fmt.Errorf("%w: %s%s", backend.ErrKeyExists, s.schema.Name, key)
		}
	}
	s.tx.writes = append(s.tx.writes, &write{key: k, value: slices.Clone(value), insert: insert})
	return nil
}

func (s *store) Get(ctx context.Context, key backend.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if err := s.check(false); err != nil {
		return nil, err
	}
	if err := s.schema.CheckKey(key); err != nil {
		return nil, err
	}

	k := encodeKey(s.schema.Name, key)
	if w := s.tx.pending(k); w != nil {
		return slices.Clone(w.value), nil
	}

	e, err := s.tx.b.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		if s.tx.mode == backend.ReadWrite {
			s.tx.reads[k] = 0
		}
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", k, err)
	}
	if s.tx.mode == backend.ReadWrite {
		s.tx.reads[k] = e.Revision()
	}
	return e.Value(), nil
}

func (s *store) GetAll(ctx context.Context, q backend.Query) ([]backend.Record, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	recs, err := s.list(ctx, s.schema.PartNames(), q.Range, func(k backend.Key) backend.Key { return k })
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b backend.Record) int { return backend.Compare(a.Key, b.Key) })
	return s.load(ctx, recs, q.Limit)
}

func (s *store) GetAllByIndex(ctx context.Context, index string, q backend.Query) ([]backend.Record, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	idx, err := s.schema.Index(index)
	if err != nil {
		return nil, err
	}
	project := func(k backend.Key) backend.Key { return s.schema.IndexKey(idx, k) }
	recs, err := s.list(ctx, idx.Parts, q.Range, project)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b backend.Record) int {
		if c := backend.Compare(project(a.Key), project(b.Key)); c != 0 {
			return c
		}
		return backend.Compare(a.Key, b.Key)
	})
	return s.load(ctx, recs, q.Limit)
}

// list returns the keys in range, without values. project maps a primary key
// onto the key the range applies to.
//
// A range without a leading fixed prefix lists the whole store, so paging
// through it with After costs one full key listing per page.
func (s *store) list(
	ctx context.Context,
	order []string,
	r backend.KeyRange,
	project func(backend.Key) backend.Key,
) ([]backend.Record, error) {
	lister, err := s.tx.b.kv.ListKeysFiltered(ctx, keyFilter(s.schema, order, r))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.schema.Name, err)
	}
	defer func() { _ = lister.Stop() }()

	var out []backend.Record
	for k := range lister.Keys() {
		key, err := decodeKey(s.schema, k)
		if err != nil {
			return nil, err
		}
		if r.Contains(project(key)) {
			out = append(out, backend.Record{Key: key})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// load fills in the values of up to n records, or all of them when n is zero.
// Keys deleted since they were listed are dropped and the next listed key
// takes their place, so a page is only short at the end of the range.
func (s *store) load(ctx context.Context, recs []backend.Record, n int) ([]backend.Record, error) {
	out := recs[:0]
	for _, rec := range recs {
		if n > 0 && len(out) == n {
			break
		}
		e, err := s.tx.b.kv.Get(ctx, encodeKey(s.schema.Name, rec.Key))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s%s: %w", s.schema.Name, rec.Key, err)
		}
		rec.Value = e.Value()
		out = append(out, rec)
	}
	return out, nil
}
