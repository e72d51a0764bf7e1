package cqrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/eventrepo/core/es"
	"github.com/codewandler/eventrepo/ports/backend"
)

const ViewsStore = "views"

// ViewsSchema is keyed by (view_name, view_id).
var ViewsSchema = backend.StoreSchema{
	Name: ViewsStore,
	Key: []backend.Part{
		{Name: "view_name", Kind: backend.String},
		{Name: "view_id", Kind: backend.String},
	},
}

// View is a read model updated from committed events.
type View interface {
	Update(ev EventEnvelope) error
}

// ViewContext identifies a loaded view and the version it was loaded at.
type ViewContext struct {
	ViewID  string
	Version uint64
}

type viewRecord struct {
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// ViewRepository stores JSON views of type V under one view name.
type ViewRepository[V any] struct {
	backend backend.Backend
	name    string
}

func NewViewRepository[V any](b backend.Backend, viewName string) *ViewRepository[V] {
	return &ViewRepository[V]{backend: b, name: viewName}
}

// Load returns the view or nil when it was never written.
func (r *ViewRepository[V]) Load(ctx context.Context, viewID string) (*V, error) {
	v, _, err := r.LoadWithContext(ctx, viewID)
	return v, err
}

// LoadWithContext returns the view and the context UpdateView needs. A missing
// view yields a nil view and a context at version 0.
func (r *ViewRepository[V]) LoadWithContext(ctx context.Context, viewID string) (*V, ViewContext, error) {
	vctx := ViewContext{ViewID: viewID}

	var data []byte
	err := backend.View(ctx, r.backend, func(tx backend.Tx) error {
		store, err := tx.Store(ViewsStore)
		if err != nil {
			return err
		}
		data, err = store.Get(ctx, backend.Key{r.name, viewID})
		return err
	}, ViewsStore)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, vctx, nil
	}
	if err != nil {
		return nil, vctx, &es.Error{Op: "load_view", Kind: es.KindOf(err), Err: err}
	}

	var rec viewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, vctx, &es.Error{Op: "load_view", Kind: es.KindDeserialization, Err: err}
	}
	v := new(V)
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return nil, vctx, &es.Error{Op: "load_view", Kind: es.KindDeserialization, Err: err}
	}
	vctx.Version = rec.Version
	return v, vctx, nil
}

// UpdateView writes view if the stored version still equals vctx.Version.
// Otherwise it fails with es.ErrOptimisticLock.
func (r *ViewRepository[V]) UpdateView(ctx context.Context, view *V, vctx ViewContext) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return &es.Error{Op: "update_view", Kind: es.KindUnknown, Err: err}
	}
	data, err := json.Marshal(viewRecord{Version: vctx.Version + 1, Payload: payload})
	if err != nil {
		return &es.Error{Op: "update_view", Kind: es.KindUnknown, Err: err}
	}

	key := backend.Key{r.name, vctx.ViewID}
	err = backend.Update(ctx, r.backend, func(tx backend.Tx) error {
		store, err := tx.Store(ViewsStore)
		if err != nil {
			return err
		}
		if vctx.Version == 0 {
			return store.Insert(ctx, key, data)
		}
		cur, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		var rec viewRecord
		if err := json.Unmarshal(cur, &rec); err != nil {
			return err
		}
		if rec.Version != vctx.Version {
			return fmt.Errorf("view %s/%s is at version %d, expected %d: %w", r.name, vctx.ViewID, rec.Version, vctx.Version, backend.ErrConflict)
		}
		return store.Put(ctx, key, data)
	}, ViewsStore)
	if err != nil {
		return &es.Error{Op: "update_view", Kind: es.KindOf(err), Err: err}
	}
	return nil
}

// GenericQuery keeps one view per aggregate id up to date.
type GenericQuery[V any, PV interface {
	*V
	View
}] struct {
	repo        *ViewRepository[V]
	log         *slog.Logger
	maxAttempts int
}

func NewGenericQuery[V any, PV interface {
	*V
	View
}](repo *ViewRepository[V], log *slog.Logger) *GenericQuery[V, PV] {
	if log == nil {
		log = slog.Default()
	}
	return &GenericQuery[V, PV]{
		repo:        repo,
		log:         log.With(slog.String("view", repo.name)),
		maxAttempts: 3,
	}
}

// Dispatch loads the view of aggregateID, applies events and writes it back,
// reloading when a concurrent writer got there first.
func (q *GenericQuery[V, PV]) Dispatch(ctx context.Context, aggregateID string, events []EventEnvelope) error {
	var err error
	for range q.maxAttempts {
		if err = q.apply(ctx, aggregateID, events); !es.IsOptimisticLock(err) {
			return err
		}
		q.log.Debug("view conflict, reloading", slog.String("view_id", aggregateID))
	}
	return err
}

func (q *GenericQuery[V, PV]) apply(ctx context.Context, aggregateID string, events []EventEnvelope) error {
	v, vctx, err := q.repo.LoadWithContext(ctx, aggregateID)
	if err != nil {
		return err
	}
	if v == nil {
		v = new(V)
	}
	for _, ev := range events {
		if err := PV(v).Update(ev); err != nil {
			return fmt.Errorf("view %s: %w", q.repo.name, err)
		}
	}
	return q.repo.UpdateView(ctx, v, vctx)
}
