package es

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// SerializedEvent is the storage representation of one committed domain event.
// It is created once, persisted exactly once and never mutated.
type SerializedEvent struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Sequence      Sequence        `json:"sequence"`
	EventType     string          `json:"event_type"`
	EventVersion  string          `json:"event_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Metadata carries causation, correlation and trace data next to an event.
// The repository never interprets it.
type Metadata map[string]string

func (e SerializedEvent) Validate() error {
	var errs []error
	if e.AggregateType == "" {
		errs = append(errs, errors.New("aggregate type is empty"))
	}
	if e.AggregateID == "" {
		errs = append(errs, errors.New("aggregate id is empty"))
	}
	if e.Sequence < 1 {
		errs = append(errs, fmt.Errorf("sequence must be >= 1, got %d", e.Sequence))
	}
	if e.EventType == "" {
		errs = append(errs, errors.New("event type is empty"))
	}
	return errors.Join(errs...)
}

// DecodeMetadata returns the event's metadata; an absent value yields an empty map.
func (e SerializedEvent) DecodeMetadata() (Metadata, error) {
	md := Metadata{}
	if len(e.Metadata) == 0 || string(e.Metadata) == "null" {
		return md, nil
	}
	if err := json.Unmarshal(e.Metadata, &md); err != nil {
		return nil, newError("decode_metadata", KindDeserialization, err)
	}
	return md, nil
}

func (e SerializedEvent) LogAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("agg_type", e.AggregateType),
		slog.String("agg_id", e.AggregateID),
		e.Sequence.SlogAttr(),
		slog.String("type", e.EventType),
		slog.String("version", e.EventVersion),
	)
}

// FilterType keeps the events of one aggregate type.
func FilterType(events []SerializedEvent, aggType string) []SerializedEvent {
	out := make([]SerializedEvent, 0, len(events))
	for _, e := range events {
		if e.AggregateType == aggType {
			out = append(out, e)
		}
	}
	return out
}

// LastSequence returns the highest sequence in events, or 0.
func LastSequence(events []SerializedEvent) Sequence {
	var last Sequence
	for _, e := range events {
		last = max(last, e.Sequence)
	}
	return last
}
