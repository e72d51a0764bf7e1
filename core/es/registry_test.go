package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type (
	accountOpened struct {
		Owner string `json:"owner"`
	}
	depositMade struct {
		Cents int64 `json:"cents"`
	}
)

func (*depositMade) EventType() string    { return "deposit_made" }
func (*depositMade) EventVersion() string { return "2.0" }

func TestSerialize(t *testing.T) {
	events, err := Serialize("account", "acc-1", 3, Metadata{"correlation_id": "c-1"},
		&accountOpened{Owner: "ann"},
		&depositMade{Cents: 500},
	)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Equal(t, Sequence(4), events[0].Sequence)
	require.Equal(t, Sequence(5), events[1].Sequence)
	require.Equal(t, "accountOpened", events[0].EventType)
	require.Equal(t, DefaultEventVersion, events[0].EventVersion)
	require.Equal(t, "deposit_made", events[1].EventType)
	require.Equal(t, "2.0", events[1].EventVersion)
	require.JSONEq(t, `{"owner":"ann"}`, string(events[0].Payload))

	md, err := events[1].DecodeMetadata()
	require.NoError(t, err)
	require.Equal(t, "c-1", md["correlation_id"])

	_, err = Serialize("", "acc-1", 0, nil, &accountOpened{})
	require.Error(t, err)
}

func TestSerialize_KeepsMarkup(t *testing.T) {
	events, err := Serialize("account", "acc-1", 0, Metadata{"source": "<cli>"}, &accountOpened{Owner: "a & <b>"})
	require.NoError(t, err)
	require.Equal(t, `{"owner":"a & <b>"}`, string(events[0].Payload))
	require.Equal(t, `{"source":"<cli>"}`, string(events[0].Metadata))

	repo := NewTestRepository(t)
	require.NoError(t, repo.Persist(t.Context(), events, nil))
	stored, err := repo.GetEvents(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, events[0].Payload, stored[0].Payload)
}

func TestEventRegistry_Decode(t *testing.T) {
	reg := NewEventRegistry().Register(Event[accountOpened](), Event[depositMade]())

	events, err := Serialize("account", "acc-1", 0, nil, &accountOpened{Owner: "ann"}, &depositMade{Cents: 7})
	require.NoError(t, err)

	decoded, err := reg.DecodeAll(events)
	require.NoError(t, err)
	require.Equal(t, []any{&accountOpened{Owner: "ann"}, &depositMade{Cents: 7}}, decoded)

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.Decode(SerializedEvent{EventType: "nope", Payload: json.RawMessage(`{}`)})
		require.ErrorIs(t, err, ErrUnknownEventType)
		require.Equal(t, KindDeserialization, KindOf(err))
	})

	t.Run("bad payload", func(t *testing.T) {
		_, err := reg.Decode(SerializedEvent{EventType: "deposit_made", Payload: json.RawMessage(`{"cents":"x"}`)})
		require.ErrorIs(t, err, ErrDeserialization)
	})
}

func TestEventRegistry_Upcast(t *testing.T) {
	reg := NewEventRegistry().
		Register(Event[depositMade]()).
		AddUpcaster(UpcastFrom("deposit_made", "1.0", func(ev SerializedEvent) (SerializedEvent, error) {
			var v1 struct {
				Euros int64 `json:"euros"`
			}
			if err := json.Unmarshal(ev.Payload, &v1); err != nil {
				return ev, err
			}
			payload, err := json.Marshal(depositMade{Cents: v1.Euros * 100})
			if err != nil {
				return ev, err
			}
			ev.Payload, ev.EventVersion = payload, "2.0"
			return ev, nil
		}))

	out, err := reg.Decode(SerializedEvent{
		EventType:    "deposit_made",
		EventVersion: "1.0",
		Payload:      json.RawMessage(`{"euros":3}`),
	})
	require.NoError(t, err)
	require.Equal(t, &depositMade{Cents: 300}, out)

	_, err = reg.Decode(SerializedEvent{
		EventType:    "deposit_made",
		EventVersion: "1.0",
		Payload:      json.RawMessage(`[]`),
	})
	require.Equal(t, KindDeserialization, KindOf(err))
}

func TestSerializedEvent_Validate(t *testing.T) {
	require.NoError(t, SerializedEvent{AggregateType: "a", AggregateID: "1", Sequence: 1, EventType: "x"}.Validate())

	err := SerializedEvent{}.Validate()
	require.ErrorContains(t, err, "aggregate type is empty")
	require.ErrorContains(t, err, "aggregate id is empty")
	require.ErrorContains(t, err, "sequence must be >= 1")
	require.ErrorContains(t, err, "event type is empty")
}

func TestLastSequence(t *testing.T) {
	require.Equal(t, Sequence(0), LastSequence(nil))
	require.Equal(t, Sequence(9), LastSequence([]SerializedEvent{{Sequence: 3}, {Sequence: 9}, {Sequence: 4}}))
}
