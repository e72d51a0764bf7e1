// Package domain holds the test aggregate the conformance suite persists.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/eventrepo/core/es"
)

const AggregateType = "test_agg"

type (
	Created struct {
		ID string `json:"id"`
	}

	Tested struct {
		Name string `json:"name"`
	}

	// State is rebuilt by applying Created and Tested events.
	State struct {
		ID       string   `json:"id"`
		Names    []string `json:"names"`
		Sequence uint64   `json:"sequence"`
	}
)

func (*Created) EventType() string { return "Created" }
func (*Tested) EventType() string  { return "Tested" }

func Registry() *es.EventRegistry {
	return es.NewEventRegistry().Register(es.Event[Created](), es.Event[Tested]())
}

func (s *State) Apply(ev any) error {
	switch e := ev.(type) {
	case *Created:
		s.ID = e.ID
	case *Tested:
		s.Names = append(s.Names, e.Name)
	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
	s.Sequence++
	return nil
}

// Replay decodes and applies events on top of s.
func (s *State) Replay(reg *es.EventRegistry, events []es.SerializedEvent) error {
	for _, se := range events {
		ev, err := reg.Decode(se)
		if err != nil {
			return err
		}
		if err := s.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) Marshal() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// Restore decodes a snapshot state into a fresh State.
func Restore(snap *es.SerializedSnapshot) (*State, error) {
	s := new(State)
	if snap == nil {
		return s, nil
	}
	if err := json.Unmarshal(snap.State, s); err != nil {
		return nil, err
	}
	return s, nil
}
