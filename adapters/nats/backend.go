package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventrepo/ports/backend"
)

type BackendConfig struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	Bucket  string       // Bucket is the KV bucket holding every store, "eventrepo" by default.
	// Storage defaults to file storage.
	Storage  jetstream.StorageType
	Replicas int
}

// Backend stores records in a single JetStream KV bucket.
//
// Writes are buffered and applied when the transaction commits: inserts with
// Create, updates of previously read keys with a revision-checked Update.
// The bucket has no multi-key transactions, so a commit that fails halfway
// purges the keys it already created. Updates are applied after all creates.
// Readers may briefly observe a partially applied commit.
type Backend struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	kv      jetstream.KeyValue
	schema  backend.Schema
	log     *slog.Logger
	closed  atomic.Bool
}

func NewBackend(ctx context.Context, cfg BackendConfig, schema backend.Schema) (*Backend, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	kv, err := ensureBucket(ctx, js, bucketConfig{name: bucket, storage: cfg.Storage, replicas: cfg.Replicas})
	if err != nil {
		closeNc()
		return nil, err
	}

	return &Backend{
		nc:      nc,
		closeNc: closeNc,
		js:      js,
		kv:      kv,
		schema:  schema,
		log:     log.With(slog.String("backend", "nats_kv"), slog.String("bucket", bucket)),
	}, nil
}

func (b *Backend) Begin(ctx context.Context, mode backend.Mode, stores ...string) (backend.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	t := &tx{
		b:     b,
		mode:  mode,
		scope: map[string]backend.StoreSchema{},
		reads: map[string]uint64{},
	}
	for _, name := range stores {
		st, err := b.schema.Store(name)
		if err != nil {
			return nil, err
		}
		t.scope[name] = st
	}
	return t, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.closeNc()
	b.log.Debug("closed backend")
	return nil
}

type write struct {
	key    string
	value  []byte
	insert bool
}

type tx struct {
	mu    sync.Mutex
	b     *Backend
	mode  backend.Mode
	scope map[string]backend.StoreSchema
	// reads maps keys read in a ReadWrite transaction to their revision, zero
	// when the key was absent.
	reads  map[string]uint64
	writes []*write
	done   bool
}

func (t *tx) Store(name string) (backend.Store, error) {
	st, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in transaction scope", backend.ErrUnknownStore, name)
	}
	return &store{tx: t, schema: st}, nil
}

func (t *tx) pending(key string) *write {
	for i := len(t.writes) - 1; i >= 0; i-- {
		if t.writes[i].key == key {
			return t.writes[i]
		}
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return backend.ErrTxDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(t.writes) == 0 {
		return nil
	}

	if err := t.validateReads(ctx); err != nil {
		return err
	}

	// creates first: they are where concurrent writers collide
	ordered := slices.Clone(t.writes)
	slices.SortStableFunc(ordered, func(a, b *write) int {
		switch {
		case a.insert == b.insert:
			return 0
		case a.insert:
			return -1
		default:
			return 1
		}
	})

	var created []string
	for _, w := range ordered {
		if err := t.apply(ctx, w); err != nil {
			t.compensate(created)
			return err
		}
		if w.insert {
			created = append(created, w.key)
		}
	}
	return nil
}

// validateReads fails the commit when a key read but not written has changed.
func (t *tx) validateReads(ctx context.Context) error {
	for key, rev := range t.reads {
		if t.pending(key) != nil {
			continue
		}
		cur, err := t.revision(ctx, key)
		if err != nil {
			return err
		}
		if cur != rev {
			return fmt.Errorf("%w: %s changed since read", backend.ErrConflict, key)
		}
	}
	return nil
}

func (t *tx) revision(ctx context.Context, key string) (uint64, error) {
	e, err := t.b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return e.Revision(), nil
}

func (t *tx) apply(ctx context.Context, w *write) error {
	kv := t.b.kv
	if w.insert {
		if _, err := kv.Create(ctx, w.key, w.value); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("%w: %s", backend.ErrKeyExists, w.key)
			}
			return fmt.Errorf("create %s: %w", w.key, err)
		}
		return nil
	}

	rev, read := t.reads[w.key]
	var err error
	switch {
	case read && rev == 0:
		_, err = kv.Create(ctx, w.key, w.value)
	case read:
		_, err = kv.Update(ctx, w.key, w.value, rev)
	default:
		_, err = kv.Put(ctx, w.key, w.value)
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s changed since read", backend.ErrConflict, w.key)
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", w.key, err)
	}
	return nil
}

func (t *tx) compensate(created []string) {
	ctx, cancel := context.WithTimeout(context.Background(), natsgo.DefaultTimeout)
	defer cancel()
	for _, key := range created {
		if err := t.b.kv.Purge(ctx, key); err != nil {
			t.b.log.Error("failed to undo create", slog.String("key", key), slog.Any("err", err))
		}
	}
	if len(created) > 0 {
		t.b.log.Warn("commit rolled back", slog.Int("purged", len(created)))
	}
}

func (t *tx) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.writes = nil
	return nil
}

var _ backend.Backend = (*Backend)(nil)
