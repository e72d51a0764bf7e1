package cqrs

import (
	"context"

	"github.com/codewandler/eventrepo/core/es"
)

// EventEnvelope is a committed event handed to queries.
type EventEnvelope struct {
	AggregateType string
	AggregateID   string
	Sequence      es.Sequence
	Event         any
	Metadata      es.Metadata
	Serialized    es.SerializedEvent
}

// Query receives the events of every successful commit, in commit order for
// one aggregate. Errors are logged and never undo the commit.
type Query interface {
	Dispatch(ctx context.Context, aggregateID string, events []EventEnvelope) error
}

type QueryFunc func(ctx context.Context, aggregateID string, events []EventEnvelope) error

func (f QueryFunc) Dispatch(ctx context.Context, aggregateID string, events []EventEnvelope) error {
	return f(ctx, aggregateID, events)
}

func envelopes(events []any, serialized []es.SerializedEvent, md es.Metadata) []EventEnvelope {
	out := make([]EventEnvelope, len(events))
	for i, ev := range events {
		se := serialized[i]
		out[i] = EventEnvelope{
			AggregateType: se.AggregateType,
			AggregateID:   se.AggregateID,
			Sequence:      se.Sequence,
			Event:         ev,
			Metadata:      md,
			Serialized:    se,
		}
	}
	return out
}
