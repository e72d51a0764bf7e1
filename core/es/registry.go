package es

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codewandler/eventrepo/internal/codec"
	"github.com/codewandler/eventrepo/internal/reflector"
)

// DefaultEventVersion is stored for events that do not declare a version.
const DefaultEventVersion = "1.0"

var ErrUnknownEventType = errors.New("unknown event type")

type (
	// Upcaster rewrites stored events of an older schema into a newer one
	// before they are decoded.
	Upcaster interface {
		CanUpcast(eventType, eventVersion string) bool
		Upcast(ev SerializedEvent) (SerializedEvent, error)
	}

	upcasterFunc struct {
		eventType string
		version   string
		fn        func(SerializedEvent) (SerializedEvent, error)
	}

	// EventRegistry maps event type names to constructors so persisted events
	// can be decoded back into domain events.
	EventRegistry struct {
		mu        sync.RWMutex
		ctors     map[string]func() any
		upcasters []Upcaster
	}
)

// UpcastFrom builds an Upcaster for one (event type, version) pair.
func UpcastFrom(eventType, fromVersion string, fn func(SerializedEvent) (SerializedEvent, error)) Upcaster {
	return upcasterFunc{eventType: eventType, version: fromVersion, fn: fn}
}

func (u upcasterFunc) CanUpcast(eventType, eventVersion string) bool {
	return u.eventType == eventType && u.version == eventVersion
}

func (u upcasterFunc) Upcast(ev SerializedEvent) (SerializedEvent, error) { return u.fn(ev) }

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{ctors: map[string]func() any{}}
}

// Register adds event constructors. Each constructor is called once to derive
// the event type name.
func (r *EventRegistry) Register(ctors ...func() any) *EventRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ctor := range ctors {
		r.ctors[EventTypeOf(ctor())] = ctor
	}
	return r
}

// AddUpcaster appends an upcaster; upcasters run in registration order.
func (r *EventRegistry) AddUpcaster(u ...Upcaster) *EventRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upcasters = append(r.upcasters, u...)
	return r
}

// Event returns a constructor for events of type T.
func Event[T any]() func() any { return func() any { return new(T) } }

// EventTypeOf returns the stored type name of ev: its EventType() method when
// present, otherwise the short Go type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Short
}

// EventVersionOf returns ev's EventVersion() or DefaultEventVersion.
func EventVersionOf(ev any) string {
	if v, ok := ev.(interface{ EventVersion() string }); ok {
		return v.EventVersion()
	}
	return DefaultEventVersion
}

// Decode upcasts ev and unmarshals its payload into a fresh domain event.
func (r *EventRegistry) Decode(ev SerializedEvent) (any, error) {
	r.mu.RLock()
	upcasters := r.upcasters
	r.mu.RUnlock()

	for _, u := range upcasters {
		if !u.CanUpcast(ev.EventType, ev.EventVersion) {
			continue
		}
		up, err := u.Upcast(ev)
		if err != nil {
			return nil, newError("upcast", KindDeserialization, err)
		}
		ev = up
	}

	r.mu.RLock()
	ctor, ok := r.ctors[ev.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, newError("decode", KindDeserialization, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.EventType))
	}

	out := ctor()
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, out); err != nil {
			return nil, newError("decode", KindDeserialization, fmt.Errorf("%s@%d: %w", ev.EventType, ev.Sequence, err))
		}
	}
	return out, nil
}

// DecodeAll decodes a slice of events in order.
func (r *EventRegistry) DecodeAll(evs []SerializedEvent) ([]any, error) {
	out := make([]any, 0, len(evs))
	for _, ev := range evs {
		d, err := r.Decode(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Serialize turns domain events into SerializedEvents numbered consecutively
// after expected.
func Serialize(
	aggType string,
	aggID string,
	expected Sequence,
	md Metadata,
	events ...any,
) ([]SerializedEvent, error) {
	var rawMD json.RawMessage
	if len(md) > 0 {
		data, err := codec.MarshalJSON(md)
		if err != nil {
			return nil, newError("serialize", KindUnknown, err)
		}
		rawMD = data
	}

	out := make([]SerializedEvent, 0, len(events))
	for i, ev := range events {
		payload, err := codec.MarshalJSON(ev)
		if err != nil {
			return nil, newError("serialize", KindUnknown, fmt.Errorf("%T: %w", ev, err))
		}
		se := SerializedEvent{
			AggregateType: aggType,
			AggregateID:   aggID,
			Sequence:      expected + Sequence(i+1),
			EventType:     EventTypeOf(ev),
			EventVersion:  EventVersionOf(ev),
			Payload:       payload,
			Metadata:      rawMD,
		}
		if err := se.Validate(); err != nil {
			return nil, newError("serialize", KindUnknown, err)
		}
		out = append(out, se)
	}
	return out, nil
}
