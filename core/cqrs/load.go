package cqrs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codewandler/eventrepo/core/es"
)

// Load rebuilds the aggregate. An id without events yields an empty aggregate
// at sequence 0. The returned aggregate belongs to the caller.
func (f *Framework[A, C]) Load(ctx context.Context, aggregateID string) (*Loaded[A], error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate id is empty", ErrUserError)
	}
	return f.load(ctx, aggregateID)
}

func (f *Framework[A, C]) load(ctx context.Context, aggregateID string) (*Loaded[A], error) {
	loaded, shared, err := f.loads.Do(ctx, aggregateID, func(ctx context.Context) (*Loaded[A], error) {
		return f.rebuild(ctx, aggregateID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		return f.clone(loaded)
	}
	return loaded, nil
}

// rebuild starts from the cached state, else from the stored snapshot, and
// applies the events written after it.
func (f *Framework[A, C]) rebuild(ctx context.Context, aggregateID string) (*Loaded[A], error) {
	var (
		base cachedState
		hit  bool
	)
	if f.cache != nil {
		if base, hit = f.cache.Get(aggregateID); hit {
			f.metrics.CacheHit(f.aggType)
		} else {
			f.metrics.CacheMiss(f.aggType)
		}
	}
	if !hit && f.strategy.usesSnapshots() {
		snap, err := f.repo.GetSnapshotFor(ctx, f.aggType, aggregateID)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			base = cachedState{State: snap.State, Sequence: snap.CurrentSequence, SnapshotVersion: snap.Version}
		}
	}

	agg := f.newAgg()
	if len(base.State) > 0 {
		if err := json.Unmarshal(base.State, agg); err != nil {
			f.forget(aggregateID)
			return nil, &es.Error{Op: "restore", Kind: es.KindDeserialization, Err: err}
		}
	}

	tail, err := f.repo.GetLastEvents(ctx, aggregateID, base.Sequence)
	if err != nil {
		return nil, err
	}

	seq := base.Sequence
	for _, se := range es.FilterType(tail, f.aggType) {
		if se.Sequence != seq.Next() {
			f.forget(aggregateID)
			return nil, fmt.Errorf("%w: %s/%s expected %d, got %d", ErrSequenceGap, f.aggType, aggregateID, seq.Next(), se.Sequence)
		}
		ev, err := f.registry.Decode(se)
		if err != nil {
			return nil, err
		}
		if err := agg.Apply(ev); err != nil {
			return nil, fmt.Errorf("apply %s@%d: %w", se.EventType, se.Sequence, err)
		}
		seq = se.Sequence
	}

	return &Loaded[A]{Aggregate: agg, Sequence: seq, SnapshotVersion: base.SnapshotVersion}, nil
}

func (f *Framework[A, C]) clone(l *Loaded[A]) (*Loaded[A], error) {
	data, err := json.Marshal(l.Aggregate)
	if err != nil {
		return nil, fmt.Errorf("encode %s state: %w", f.aggType, err)
	}
	agg := f.newAgg()
	if err := json.Unmarshal(data, agg); err != nil {
		return nil, &es.Error{Op: "restore", Kind: es.KindDeserialization, Err: err}
	}
	return &Loaded[A]{Aggregate: agg, Sequence: l.Sequence, SnapshotVersion: l.SnapshotVersion}, nil
}
