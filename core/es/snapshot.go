package es

import (
	"encoding/json"
	"errors"
	"log/slog"
)

type (
	// SerializedSnapshot is the current materialized state of one aggregate.
	SerializedSnapshot struct {
		AggregateID     string          `json:"aggregate_id"`
		AggregateType   string          `json:"aggregate_type"`
		CurrentSequence Sequence        `json:"current_sequence"`
		State           json.RawMessage `json:"aggregate_state"`
		// Version counts the writes of this snapshot row. The first snapshot has
		// version 1.
		Version uint64 `json:"version"`
	}

	// SnapshotUpdate replaces the snapshot of one aggregate as part of Persist.
	// ExpectedVersion is the version the caller last read (0 when it saw no
	// snapshot); the written snapshot gets ExpectedVersion+1.
	SnapshotUpdate struct {
		AggregateType string
		AggregateID   string
		State         json.RawMessage
		// CurrentSequence is the sequence State reflects. When zero it is the
		// stream tail, counting the events of the same call. It may not lie
		// beyond that tail or behind the stored snapshot.
		CurrentSequence Sequence
		ExpectedVersion uint64
	}
)

func (s *SerializedSnapshot) LogAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("agg_type", s.AggregateType),
		slog.String("agg_id", s.AggregateID),
		s.CurrentSequence.SlogAttrWithKey("current_seq"),
		slog.Uint64("version", s.Version),
		slog.Int("size", len(s.State)),
	)
}

func (u *SnapshotUpdate) validate() error {
	if u.AggregateID == "" {
		return errors.New("snapshot aggregate id is empty")
	}
	if len(u.State) == 0 {
		return errors.New("snapshot state is empty")
	}
	return nil
}
