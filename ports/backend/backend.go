// Package backend defines the transactional key-value port the event
// repository persists through, together with an in-memory implementation.
//
// A Backend hands out transactions scoped to a set of named stores. Every
// store has a composite primary key and zero or more secondary indexes whose
// keys are projections of the primary key (see [Schema]).
package backend

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrKeyExists    = errors.New("key already exists")
	ErrConflict     = errors.New("transaction conflict")
	ErrUnknownStore = errors.New("unknown store")
	ErrUnknownIndex = errors.New("unknown index")
	ErrInvalidKey   = errors.New("invalid key")
	ErrReadOnly     = errors.New("transaction is read-only")
	ErrTxDone       = errors.New("transaction already committed or aborted")
	ErrClosed       = errors.New("backend closed")
)

// Mode selects the isolation requested when a transaction is opened.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

type (
	// Record is a raw stored value together with its primary key.
	Record struct {
		Key   Key
		Value []byte
	}

	// Query restricts a scan to a key range. A Limit of zero means no limit.
	Query struct {
		Range KeyRange
		Limit int
	}

	Backend interface {
		// Begin opens a transaction over the named stores.
		Begin(ctx context.Context, mode Mode, stores ...string) (Tx, error)
		Close() error
	}

	Tx interface {
		Store(name string) (Store, error)
		Commit(ctx context.Context) error
		// Abort rolls back the transaction. It is safe to call after Commit.
		Abort() error
	}

	Store interface {
		// Insert writes value under key and fails with ErrKeyExists when the key
		// is already present.
		Insert(ctx context.Context, key Key, value []byte) error
		// Put writes value under key, replacing any existing value.
		Put(ctx context.Context, key Key, value []byte) error
		// Get returns the value stored under key or ErrNotFound. Inside a
		// ReadWrite transaction the key is watched: a concurrent commit touching
		// it fails this transaction with ErrConflict.
		Get(ctx context.Context, key Key) ([]byte, error)
		// GetAll scans records in primary key order.
		GetAll(ctx context.Context, q Query) ([]Record, error)
		// GetAllByIndex scans records in (index key, primary key) order. The
		// query range applies to the index key.
		GetAllByIndex(ctx context.Context, index string, q Query) ([]Record, error)
	}
)

// View runs fn inside a ReadOnly transaction and aborts it afterwards.
func View(ctx context.Context, b Backend, fn func(tx Tx) error, stores ...string) error {
	tx, err := b.Begin(ctx, ReadOnly, stores...)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Abort() }()
	return fn(tx)
}

// Update runs fn inside a ReadWrite transaction. The transaction commits when
// fn returns nil and is aborted otherwise.
func Update(ctx context.Context, b Backend, fn func(tx Tx) error, stores ...string) error {
	tx, err := b.Begin(ctx, ReadWrite, stores...)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Abort()
		return err
	}
	return nil
}
