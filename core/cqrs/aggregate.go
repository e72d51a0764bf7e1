// Package cqrs drives commands against event-sourced aggregates: load the
// aggregate from its stream, let it handle the command, persist the events it
// produced and hand them to queries.
package cqrs

import (
	"context"

	"github.com/codewandler/eventrepo/core/es"
)

// Aggregate is the business logic of one aggregate type. Handle must not
// change state; Apply is the only place state changes. The state must
// round-trip through encoding/json, it is what snapshots and the cache hold.
type Aggregate[C any] interface {
	AggregateType() string
	// Handle validates cmd against the current state and returns the events
	// to record. An error rejects the command and is reported as ErrUserError.
	Handle(ctx context.Context, cmd C) ([]any, error)
	Apply(event any) error
}

// Loaded is an aggregate together with the stream position it reflects.
type Loaded[A any] struct {
	Aggregate A
	Sequence  es.Sequence
	// SnapshotVersion is the version of the stored snapshot the aggregate was
	// built from or last wrote, 0 when there is none.
	SnapshotVersion uint64
}

type strategyKind int

const (
	eventStore strategyKind = iota
	snapshotStore
	aggregateStore
)

// Strategy decides how aggregates are loaded and when snapshots are written.
type Strategy struct {
	kind  strategyKind
	every uint64
}

// EventStore replays the full stream on every load and never snapshots.
func EventStore() Strategy { return Strategy{kind: eventStore} }

// SnapshotStore writes a snapshot whenever the stream crosses a multiple of
// every events and loads from the latest snapshot.
func SnapshotStore(every int) Strategy {
	return Strategy{kind: snapshotStore, every: uint64(max(every, 1))}
}

// AggregateStore writes a snapshot on every commit, so a load reads the
// snapshot and at most the events of concurrent writers.
func AggregateStore() Strategy { return Strategy{kind: aggregateStore, every: 1} }

func (s Strategy) String() string {
	switch s.kind {
	case snapshotStore:
		return "snapshot_store"
	case aggregateStore:
		return "aggregate_store"
	default:
		return "event_store"
	}
}

func (s Strategy) usesSnapshots() bool { return s.kind != eventStore }

func (s Strategy) shouldSnapshot(from, to es.Sequence) bool {
	if !s.usesSnapshots() || to <= from {
		return false
	}
	return uint64(to)/s.every > uint64(from)/s.every
}
