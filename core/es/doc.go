// Package es stores append-only event streams and aggregate snapshots.
//
// # Layout
//
// Events are kept in one store keyed by (aggregate_type, aggregate_id,
// sequence) with a secondary index on aggregate_id. Snapshots are kept in a
// second store keyed by (aggregate_type, aggregate_id). Both live in any
// [backend.Backend]: the in-memory backend, adapters/sqldb or adapters/nats.
//
// # Concurrency Control
//
// [Repository.Persist] inserts every event under its composite key inside a
// single transaction. When another writer already committed one of those
// sequences the insert collides and the whole call fails with
// [ErrOptimisticLock]; nothing of the batch becomes visible. Snapshot writes
// are guarded by a version counter the same way:
//
//	events, _ := es.Serialize("order", "o-1", current, nil, &OrderPlaced{})
//	err := repo.Persist(ctx, events, &es.SnapshotUpdate{
//	    AggregateType:   "order",
//	    AggregateID:     "o-1",
//	    State:           state,
//	    ExpectedVersion: snap.Version,
//	})
//	if es.IsOptimisticLock(err) {
//	    // reload and retry
//	}
//
// # Errors
//
// Every error returned by the repository is an [*Error] of exactly one
// [Kind]. Use [KindOf] or errors.Is with the sentinels to branch on it.
//
// # Replay
//
// Replaying from a snapshot yields the same state as replaying the full
// stream:
//
//	snap, _ := repo.GetSnapshot(ctx, "o-1")
//	tail, _ := repo.GetLastEvents(ctx, "o-1", snap.CurrentSequence)
//
// [Repository.StreamEvents] and [Repository.StreamAllEvents] return a lazy
// [ReplayStream]; the latter pages through the whole event store.
package es
