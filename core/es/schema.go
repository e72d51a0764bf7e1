package es

import (
	"fmt"

	"github.com/codewandler/eventrepo/internal/codec"
	"github.com/codewandler/eventrepo/ports/backend"
)

const (
	EventsStore    = "events"
	SnapshotsStore = "snapshots"
	// AggregateIDIndex is the secondary index on aggregate_id, present on both
	// the events and the snapshots store.
	AggregateIDIndex = "aggregate_id"
)

// EventsSchema is keyed by (aggregate_type, aggregate_id, sequence). Its
// aggregate_id index orders one aggregate's events by sequence.
var EventsSchema = backend.StoreSchema{
	Name: EventsStore,
	Key: []backend.Part{
		{Name: "aggregate_type", Kind: backend.String},
		{Name: "aggregate_id", Kind: backend.String},
		{Name: "sequence", Kind: backend.Uint},
	},
	Indexes: []backend.Index{
		{Name: AggregateIDIndex, Parts: []string{"aggregate_id", "sequence"}},
	},
}

// SnapshotsSchema is keyed by (aggregate_type, aggregate_id).
var SnapshotsSchema = backend.StoreSchema{
	Name: SnapshotsStore,
	Key: []backend.Part{
		{Name: "aggregate_type", Kind: backend.String},
		{Name: "aggregate_id", Kind: backend.String},
	},
	Indexes: []backend.Index{
		{Name: AggregateIDIndex, Parts: []string{"aggregate_id"}},
	},
}

// Schema returns the layout the repository needs plus any extra stores.
func Schema(extra ...backend.StoreSchema) backend.Schema {
	return backend.Schema{Stores: append([]backend.StoreSchema{EventsSchema, SnapshotsSchema}, extra...)}
}

func eventKey(e SerializedEvent) backend.Key {
	return backend.Key{e.AggregateType, e.AggregateID, uint64(e.Sequence)}
}

func snapshotKey(aggType, aggID string) backend.Key {
	return backend.Key{aggType, aggID}
}

var recordCodec codec.Codec = codec.JSON{}

// decodeEvent decodes a stored record and checks it against the key it was
// stored under.
func decodeEvent(rec backend.Record) (SerializedEvent, error) {
	ev, err := codec.Decode[SerializedEvent](recordCodec, rec.Value)
	if err != nil {
		return ev, fmt.Errorf("event %s: %w", rec.Key, err)
	}
	if rec.Key != nil && backend.Compare(rec.Key, eventKey(ev)) != 0 {
		return ev, fmt.Errorf("event %s: record holds %s", rec.Key, eventKey(ev))
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("event %s: %w", rec.Key, err)
	}
	return ev, nil
}

func decodeSnapshot(rec backend.Record) (*SerializedSnapshot, error) {
	s, err := codec.Decode[SerializedSnapshot](recordCodec, rec.Value)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", rec.Key, err)
	}
	if rec.Key != nil && backend.Compare(rec.Key, snapshotKey(s.AggregateType, s.AggregateID)) != 0 {
		return nil, fmt.Errorf("snapshot %s: record holds (%q, %q)", rec.Key, s.AggregateType, s.AggregateID)
	}
	return &s, nil
}
