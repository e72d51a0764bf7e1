package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/eventrepo/ports/backend"
)

const (
	opGetEvents       = "get_events"
	opGetLastEvents   = "get_last_events"
	opGetSnapshot     = "get_snapshot"
	opPersist         = "persist"
	opStreamEvents    = "stream_events"
	opStreamAllEvents = "stream_all_events"
)

// EventRepository is the persistence contract the cqrs framework depends on.
type EventRepository interface {
	GetEvents(ctx context.Context, aggregateID string) ([]SerializedEvent, error)
	GetLastEvents(ctx context.Context, aggregateID string, lastSequence Sequence) ([]SerializedEvent, error)
	GetSnapshot(ctx context.Context, aggregateID string) (*SerializedSnapshot, error)
	GetSnapshotFor(ctx context.Context, aggregateType, aggregateID string) (*SerializedSnapshot, error)
	Persist(ctx context.Context, events []SerializedEvent, snapshot *SnapshotUpdate) error
	StreamEvents(ctx context.Context, aggregateID string) *ReplayStream
	StreamAllEvents(ctx context.Context) *ReplayStream
}

// Repository stores events and snapshots in a backend.Backend. Optimistic
// locking relies on the backend rejecting inserts of existing keys.
type Repository struct {
	backend  backend.Backend
	log      *slog.Logger
	metrics  RepoMetrics
	tracer   trace.Tracer
	pageSize int
}

func NewRepository(b backend.Backend, opts ...RepositoryOption) *Repository {
	options := repoOptions{
		log:      slog.Default(),
		metrics:  NopRepoMetrics(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	if options.tracer == nil {
		options.tracer = defaultTracer()
	}

	return &Repository{
		backend:  b,
		log:      options.log.With(slog.String("repo", fmt.Sprintf("%T", b))),
		metrics:  options.metrics,
		tracer:   options.tracer,
		pageSize: options.pageSize,
	}
}

// Backend returns the underlying backend.
func (r *Repository) Backend() backend.Backend { return r.backend }

// GetEvents returns every event stored for aggregateID, across aggregate
// types, in ascending sequence order.
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) (_ []SerializedEvent, err error) {
	ctx, span := r.startSpan(ctx, opGetEvents, attribute.String("es.aggregate_id", aggregateID))
	defer func() { r.endSpan(span, opGetEvents, err) }()
	defer r.metrics.ReadDuration(opGetEvents).ObserveDuration()

	return r.readEvents(ctx, opGetEvents, aggregateID, backend.Only(aggregateID))
}

// GetLastEvents returns the events of aggregateID with a sequence greater
// than lastSequence.
func (r *Repository) GetLastEvents(
	ctx context.Context,
	aggregateID string,
	lastSequence Sequence,
) (_ []SerializedEvent, err error) {
	ctx, span := r.startSpan(
		ctx,
		opGetLastEvents,
		attribute.String("es.aggregate_id", aggregateID),
		attribute.Int64("es.last_sequence", int64(lastSequence)),
	)
	defer func() { r.endSpan(span, opGetLastEvents, err) }()
	defer r.metrics.ReadDuration(opGetLastEvents).ObserveDuration()

	rng := backend.After(backend.Key{aggregateID, uint64(lastSequence)}).Within(aggregateID)
	return r.readEvents(ctx, opGetLastEvents, aggregateID, rng)
}

func (r *Repository) readEvents(
	ctx context.Context,
	op string,
	aggregateID string,
	rng backend.KeyRange,
) ([]SerializedEvent, error) {
	var recs []backend.Record
	err := backend.View(ctx, r.backend, func(tx backend.Tx) error {
		store, err := tx.Store(EventsStore)
		if err != nil {
			return err
		}
		recs, err = store.GetAllByIndex(ctx, AggregateIDIndex, backend.Query{Range: rng})
		return err
	}, EventsStore)
	if err != nil {
		return nil, wrapErr(op, err)
	}

	out := make([]SerializedEvent, 0, len(recs))
	for _, rec := range recs {
		ev, err := decodeEvent(rec)
		if err != nil {
			return nil, newError(op, KindDeserialization, err)
		}
		out = append(out, ev)
	}

	r.log.Debug(
		"events loaded",
		slog.String("op", op),
		slog.String("agg_id", aggregateID),
		slog.Int("count", len(out)),
	)
	return out, nil
}

// GetSnapshot returns the snapshot of aggregateID, or nil when none exists.
// It fails with an unknown error when several aggregate types hold a snapshot
// under the same id; use GetSnapshotFor then.
func (r *Repository) GetSnapshot(ctx context.Context, aggregateID string) (_ *SerializedSnapshot, err error) {
	ctx, span := r.startSpan(ctx, opGetSnapshot, attribute.String("es.aggregate_id", aggregateID))
	defer func() { r.endSpan(span, opGetSnapshot, err) }()
	defer r.metrics.ReadDuration(opGetSnapshot).ObserveDuration()

	var recs []backend.Record
	err = backend.View(ctx, r.backend, func(tx backend.Tx) error {
		store, err := tx.Store(SnapshotsStore)
		if err != nil {
			return err
		}
		recs, err = store.GetAllByIndex(ctx, AggregateIDIndex, backend.Query{Range: backend.Only(aggregateID)})
		return err
	}, SnapshotsStore)
	if err != nil {
		return nil, wrapErr(opGetSnapshot, err)
	}

	switch len(recs) {
	case 0:
		return nil, nil
	case 1:
		s, err := decodeSnapshot(recs[0])
		if err != nil {
			return nil, newError(opGetSnapshot, KindDeserialization, err)
		}
		return s, nil
	default:
		return nil, newError(
			opGetSnapshot,
			KindUnknown,
			fmt.Errorf("%d aggregate types hold a snapshot for %q", len(recs), aggregateID),
		)
	}
}

// GetSnapshotFor returns the snapshot of one (aggregate type, aggregate id)
// pair, or nil when none exists.
func (r *Repository) GetSnapshotFor(
	ctx context.Context,
	aggregateType string,
	aggregateID string,
) (_ *SerializedSnapshot, err error) {
	ctx, span := r.startSpan(
		ctx,
		opGetSnapshot,
		attribute.String("es.aggregate_type", aggregateType),
		attribute.String("es.aggregate_id", aggregateID),
	)
	defer func() { r.endSpan(span, opGetSnapshot, err) }()
	defer r.metrics.ReadDuration(opGetSnapshot).ObserveDuration()

	var data []byte
	err = backend.View(ctx, r.backend, func(tx backend.Tx) error {
		store, err := tx.Store(SnapshotsStore)
		if err != nil {
			return err
		}
		data, err = store.Get(ctx, snapshotKey(aggregateType, aggregateID))
		return err
	}, SnapshotsStore)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(opGetSnapshot, err)
	}

	key := snapshotKey(aggregateType, aggregateID)
	s, err := decodeSnapshot(backend.Record{Key: key, Value: data})
	if err != nil {
		return nil, newError(opGetSnapshot, KindDeserialization, err)
	}
	return s, nil
}

var _ EventRepository = (*Repository)(nil)
