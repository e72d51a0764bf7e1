package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/codewandler/eventrepo/ports/backend"
)

type tx struct {
	b     *Backend
	tx    *sql.Tx
	mode  backend.Mode
	scope map[string]*table
	done  bool
}

func (t *tx) Store(name string) (backend.Store, error) {
	tbl, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in transaction scope", backend.ErrUnknownStore, name)
	}
	return &store{tx: t, table: tbl}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return backend.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		t.b.log.Debug("commit failed", slog.String("mode", t.mode.String()), slog.Any("err", err))
		return classify(err)
	}
	return nil
}

func (t *tx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return classify(err)
	}
	return nil
}

type store struct {
	tx    *tx
	table *table
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
	return s.write(ctx, s.table.insertSQL, key, value)
}

func (s *store) Put(ctx context.Context, key backend.Key, value []byte) error {
	return s.write(ctx, s.table.upsertSQL, key, value)
}

func (s *store) write(ctx context.Context, query string, key backend.Key, value []byte) error {
	if err := s.check(true); err != nil {
		return err
	}
	if err := s.table.schema.CheckKey(key); err != nil {
		return err
	}
	args, err := keyArgs(key)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := s.tx.tx.ExecContext(ctx, query, append(args, value)...); err != nil {
		return fmt.Errorf("%s%s: %w", s.table.schema.Name, key, classify(err))
	}
	return nil
}

func (s *store) Get(ctx context.Context, key backend.Key) ([]byte, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	if err := s.table.schema.CheckKey(key); err != nil {
		return nil, err
	}
	args, err := keyArgs(key)
	if err != nil {
		return nil, err
	}

	query := s.table.getSQL
	if s.tx.mode == backend.ReadWrite {
		query = s.table.lockSQL
	}
	var value []byte
	if err := s.tx.tx.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		return nil, classify(err)
	}
	return value, nil
}

func (s *store) GetAll(ctx context.Context, q backend.Query) ([]backend.Record, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	return s.scan(ctx, s.table.keyCols, q)
}

func (s *store) GetAllByIndex(ctx context.Context, index string, q backend.Query) ([]backend.Record, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	idx, err := s.table.schema.Index(index)
	if err != nil {
		return nil, err
	}
	return s.scan(ctx, s.table.indexColumns(idx), q)
}

func (s *store) scan(ctx context.Context, order []string, q backend.Query) ([]backend.Record, error) {
	query, args, err := s.table.scanSQL(order, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table.schema.Name, classify(err))
	}
	defer rows.Close()

	var out []backend.Record
	for rows.Next() {
		dest, record := s.table.scanDest()
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table.schema.Name, err)
		}
		out = append(out, record())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table.schema.Name, classify(err))
	}
	return out, nil
}
