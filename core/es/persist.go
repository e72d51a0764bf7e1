package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/codewandler/eventrepo/ports/backend"
)

type streamID struct {
	aggType string
	aggID   string
}

// Persist appends events and applies the optional snapshot update in one
// backend transaction. Either everything becomes visible or nothing does.
//
// Each event is inserted under (aggregate_type, aggregate_id, sequence); an
// insert that collides with a committed key fails the call with
// ErrOptimisticLock. The snapshot is written only when its stored version
// equals snapshot.ExpectedVersion.
func (r *Repository) Persist(ctx context.Context, events []SerializedEvent, snapshot *SnapshotUpdate) (err error) {
	if len(events) == 0 && snapshot == nil {
		return nil
	}

	aggType := persistAggType(events, snapshot)
	ctx, span := r.startSpan(
		ctx,
		opPersist,
		attribute.String("es.aggregate_type", aggType),
		attribute.Int("es.events", len(events)),
		attribute.Bool("es.snapshot", snapshot != nil),
	)
	defer func() { r.endSpan(span, opPersist, err) }()
	defer r.metrics.PersistDuration(aggType).ObserveDuration()

	if err := validateBatch(events, snapshot); err != nil {
		return newError(opPersist, KindUnknown, err)
	}

	log := r.log.With(slog.Group("agg", slog.String("type", aggType)))

	tx, err := r.backend.Begin(ctx, backend.ReadWrite, EventsStore, SnapshotsStore)
	if err != nil {
		return newError(opPersist, KindConnection, err)
	}

	err = r.persistTx(ctx, tx, events, snapshot)
	if err == nil {
		if cerr := tx.Commit(ctx); cerr != nil {
			err = commitErr(cerr)
		}
	}
	if err != nil {
		_ = tx.Abort()
		if KindOf(err) == KindOptimisticLock {
			r.metrics.ConcurrencyConflict(aggType)
			log.Warn("persist rejected", slog.Any("err", err))
		} else {
			log.Error("persist failed", slog.Any("err", err))
		}
		return err
	}

	r.metrics.EventsPersisted(aggType, len(events))
	if snapshot != nil {
		r.metrics.SnapshotSaved(snapshot.AggregateType)
	}
	log.Debug(
		"persisted",
		slog.Int("events", len(events)),
		LastSequence(events).SlogAttrWithKey("last_seq"),
		slog.Bool("snapshot", snapshot != nil),
	)
	return nil
}

func (r *Repository) persistTx(
	ctx context.Context,
	tx backend.Tx,
	events []SerializedEvent,
	snapshot *SnapshotUpdate,
) error {
	eventStore, err := tx.Store(EventsStore)
	if err != nil {
		return wrapErr(opPersist, err)
	}

	if err := checkContiguous(ctx, eventStore, events); err != nil {
		return err
	}

	// the stream tail is read before this batch is inserted
	var snap *snapshotWrite
	if snapshot != nil {
		snapStore, err := tx.Store(SnapshotsStore)
		if err != nil {
			return wrapErr(opPersist, err)
		}
		if snap, err = prepareSnapshot(ctx, snapStore, eventStore, events, snapshot); err != nil {
			return err
		}
	}

	for _, ev := range events {
		data, err := recordCodec.Marshal(ev)
		if err != nil {
			return newError(opPersist, KindUnknown, err)
		}
		if err := eventStore.Insert(ctx, eventKey(ev), data); err != nil {
			if errors.Is(err, backend.ErrKeyExists) {
				return newError(
					opPersist,
					KindOptimisticLock,
					fmt.Errorf("%s/%s@%d already exists: %w", ev.AggregateType, ev.AggregateID, ev.Sequence, err),
				)
			}
			return wrapErr(opPersist, err)
		}
	}

	if snap == nil {
		return nil
	}
	return snap.write(ctx)
}

// checkContiguous rejects batches that would leave a gap in front of them:
// the predecessor of each aggregate's lowest new sequence must exist.
func checkContiguous(ctx context.Context, store backend.Store, events []SerializedEvent) error {
	lowest := map[streamID]Sequence{}
	for _, ev := range events {
		id := streamID{ev.AggregateType, ev.AggregateID}
		if cur, ok := lowest[id]; !ok || ev.Sequence < cur {
			lowest[id] = ev.Sequence
		}
	}
	for id, seq := range lowest {
		if seq == 1 {
			continue
		}
		prev := backend.Key{id.aggType, id.aggID, uint64(seq - 1)}
		_, err := store.Get(ctx, prev)
		if errors.Is(err, backend.ErrNotFound) {
			return newError(opPersist, KindUnknown, fmt.Errorf("%s/%s: sequence %d does not follow the stream", id.aggType, id.aggID, seq))
		}
		if err != nil {
			return wrapErr(opPersist, err)
		}
	}
	return nil
}

type snapshotWrite struct {
	store  backend.Store
	key    backend.Key
	create bool
	next   SerializedSnapshot
}

// prepareSnapshot checks u against the stored snapshot and the stream tail.
// A zero CurrentSequence resolves to the tail including this batch. A
// sequence beyond the tail or behind the stored snapshot is rejected: replay
// would skip events or apply them twice.
func prepareSnapshot(
	ctx context.Context,
	snapStore, eventStore backend.Store,
	events []SerializedEvent,
	u *SnapshotUpdate,
) (*snapshotWrite, error) {
	key := snapshotKey(u.AggregateType, u.AggregateID)

	var (
		version uint64
		prevSeq Sequence
	)
	data, err := snapStore.Get(ctx, key)
	switch {
	case errors.Is(err, backend.ErrNotFound):
	case err != nil:
		return nil, wrapErr(opPersist, err)
	default:
		prev, err := decodeSnapshot(backend.Record{Key: key, Value: data})
		if err != nil {
			return nil, newError(opPersist, KindDeserialization, err)
		}
		version, prevSeq = prev.Version, prev.CurrentSequence
	}

	if version != u.ExpectedVersion {
		return nil, newError(
			opPersist,
			KindOptimisticLock,
			fmt.Errorf("snapshot %s/%s is at version %d, expected %d", u.AggregateType, u.AggregateID, version, u.ExpectedVersion),
		)
	}

	tail, err := streamTail(ctx, eventStore, u.AggregateType, u.AggregateID, prevSeq)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.AggregateType == u.AggregateType && ev.AggregateID == u.AggregateID && ev.Sequence > tail {
			tail = ev.Sequence
		}
	}

	seq := u.CurrentSequence
	if seq == 0 {
		seq = tail
	}
	switch {
	case seq > tail:
		return nil, newError(opPersist, KindUnknown,
			fmt.Errorf("snapshot %s/%s at sequence %d is beyond the stream tail %d", u.AggregateType, u.AggregateID, seq, tail))
	case seq < prevSeq:
		return nil, newError(opPersist, KindUnknown,
			fmt.Errorf("snapshot %s/%s at sequence %d is behind the stored snapshot at %d", u.AggregateType, u.AggregateID, seq, prevSeq))
	}

	return &snapshotWrite{
		store:  snapStore,
		key:    key,
		create: version == 0,
		next: SerializedSnapshot{
			AggregateID:     u.AggregateID,
			AggregateType:   u.AggregateType,
			CurrentSequence: seq,
			State:           u.State,
			Version:         version + 1,
		},
	}, nil
}

// streamTail returns the highest stored sequence of one aggregate. Only events
// after the previous snapshot are scanned; from is returned when there are
// none.
func streamTail(ctx context.Context, store backend.Store, aggType, aggID string, from Sequence) (Sequence, error) {
	rng := backend.After(backend.Key{aggType, aggID, uint64(from)}).Within(aggType, aggID)
	recs, err := store.GetAll(ctx, backend.Query{Range: rng})
	if err != nil {
		return 0, wrapErr(opPersist, err)
	}
	if len(recs) == 0 {
		return from, nil
	}
	last := recs[len(recs)-1].Key
	seq, ok := last[len(last)-1].(uint64)
	if !ok {
		return 0, newError(opPersist, KindDeserialization, fmt.Errorf("event key %s has no sequence", last))
	}
	return Sequence(seq), nil
}

func (w *snapshotWrite) write(ctx context.Context) error {
	value, err := recordCodec.Marshal(w.next)
	if err != nil {
		return newError(opPersist, KindUnknown, err)
	}

	if w.create {
		err = w.store.Insert(ctx, w.key, value)
	} else {
		err = w.store.Put(ctx, w.key, value)
	}
	if err != nil {
		if errors.Is(err, backend.ErrKeyExists) {
			return newError(opPersist, KindOptimisticLock, fmt.Errorf("snapshot %s/%s: %w", w.next.AggregateType, w.next.AggregateID, err))
		}
		return wrapErr(opPersist, err)
	}
	return nil
}

// commitErr maps a failed commit: write conflicts detected at commit time are
// optimistic lock failures, anything else is a connection error.
func commitErr(err error) error {
	if errors.Is(err, backend.ErrKeyExists) || errors.Is(err, backend.ErrConflict) {
		return newError(opPersist, KindOptimisticLock, err)
	}
	return newError(opPersist, KindConnection, err)
}

func validateBatch(events []SerializedEvent, snapshot *SnapshotUpdate) error {
	var errs []error
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
		}
	}

	// Within one aggregate the batch must cover a contiguous range; order and
	// duplicates are left to the insert path.
	seqs := map[streamID][]Sequence{}
	for _, ev := range events {
		id := streamID{ev.AggregateType, ev.AggregateID}
		seqs[id] = append(seqs[id], ev.Sequence)
	}
	for id, s := range seqs {
		slices.Sort(s)
		s = slices.Compact(s)
		if int(s[len(s)-1]-s[0])+1 != len(s) {
			errs = append(errs, fmt.Errorf("%s/%s: sequences %v are not contiguous", id.aggType, id.aggID, s))
		}
	}

	if snapshot != nil {
		if err := snapshot.validate(); err != nil {
			errs = append(errs, err)
		}
		if snapshot.AggregateType == "" {
			errs = append(errs, errors.New("snapshot aggregate type is empty"))
		}
	}
	return errors.Join(errs...)
}

func persistAggType(events []SerializedEvent, snapshot *SnapshotUpdate) string {
	if len(events) > 0 {
		return events[0].AggregateType
	}
	if snapshot != nil {
		return snapshot.AggregateType
	}
	return ""
}
